package anthropic

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// safetyCategories lists every harm category this gateway disables outright,
// per §4.8 ("safety settings all OFF").
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

func defaultSafetySettings() []map[string]string {
	settings := make([]map[string]string, 0, len(safetyCategories))
	for _, category := range safetyCategories {
		settings = append(settings, map[string]string{"category": category, "threshold": "OFF"})
	}
	return settings
}

// attachSafetySettings writes the default safety settings at path unless the
// caller already populated one.
func attachSafetySettings(rawJSON []byte, path string) []byte {
	if gjson.GetBytes(rawJSON, path).Exists() {
		return rawJSON
	}
	out, err := sjson.SetBytes(rawJSON, path, defaultSafetySettings())
	if err != nil {
		return rawJSON
	}
	return out
}
