package server

import "github.com/ag2api/gateway/internal/translate/anthropic"

// claudeModelIDs lists the Anthropic-facing model ids this gateway accepts,
// drawn from the translator's mapping table so the list and the resolver can
// never drift apart (§4.10 "GET /v1/models").
var claudeModelIDs = anthropic.KnownModelIDs()

// geminiModelIDs lists the Google-facing model ids exposed under /v1beta/models.
var geminiModelIDs = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

func claudeModelList() []map[string]any {
	out := make([]map[string]any, 0, len(claudeModelIDs))
	for _, id := range claudeModelIDs {
		out = append(out, map[string]any{
			"id":          id,
			"type":        "model",
			"display_name": id,
		})
	}
	return out
}

func geminiModelList() []map[string]any {
	out := make([]map[string]any, 0, len(geminiModelIDs))
	for _, id := range geminiModelIDs {
		out = append(out, geminiModelEntry(id))
	}
	return out
}

func geminiModelEntry(id string) map[string]any {
	return map[string]any{
		"name":                       "models/" + id,
		"displayName":                id,
		"description":                id,
		"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent", "countTokens"},
	}
}
