package anthropic

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// constraintKeys are validation keywords Anthropic's input_schema allows but the
// upstream function-declaration schema does not understand. Their values are
// folded into the description text instead of dropped silently.
var constraintKeys = []string{
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum",
	"minLength", "maxLength", "minItems", "maxItems", "pattern", "multipleOf",
}

// unsupportedKeys are stripped outright: the upstream schema has no equivalent
// and carrying them through produces a 400 from the function-declaration parser.
var unsupportedKeys = []string{"$schema", "additionalProperties", "format", "default", "uniqueItems"}

// CleanInputSchema rewrites an Anthropic tool's input_schema into the shape the
// upstream function-declaration schema accepts:
//   - drop $schema, additionalProperties, format, default, uniqueItems
//   - fold min/max/pattern-style constraints into the description
//   - collapse a ["null", T] type union to just T
//   - uppercase every "type" value (the upstream schema is case-sensitive)
//
// Applying this twice in a row is a no-op (P7): every rewrite reads from
// already-cleaned state and produces byte-identical output, since key removal,
// case normalization, and constraint folding are all idempotent on their own
// fixed points.
func CleanInputSchema(schema string) string {
	if !gjson.Valid(schema) {
		return schema
	}
	cleaned := cleanNode(schema, "")
	return cleaned
}

func cleanNode(node string, path string) string {
	result := node

	for _, key := range unsupportedKeys {
		result = deleteIfExists(result, key)
	}

	result = foldConstraints(result)
	result = collapseNullUnion(result)
	result = uppercaseType(result)
	result = recurseIntoChildren(result)

	return result
}

func deleteIfExists(json, key string) string {
	if !gjson.Get(json, key).Exists() {
		return json
	}
	out, err := sjson.Delete(json, key)
	if err != nil {
		return json
	}
	return out
}

func foldConstraints(json string) string {
	var notes []string
	for _, key := range constraintKeys {
		v := gjson.Get(json, key)
		if !v.Exists() {
			continue
		}
		notes = append(notes, fmt.Sprintf("%s=%s", key, v.Raw))
		json = deleteIfExists(json, key)
	}
	if len(notes) == 0 {
		return json
	}
	desc := gjson.Get(json, "description").String()
	suffix := strings.Join(notes, ", ")
	if desc != "" {
		desc = desc + " (" + suffix + ")"
	} else {
		desc = suffix
	}
	out, err := sjson.Set(json, "description", desc)
	if err != nil {
		return json
	}
	return out
}

func collapseNullUnion(json string) string {
	t := gjson.Get(json, "type")
	if !t.IsArray() {
		return json
	}
	var kept string
	for _, v := range t.Array() {
		if strings.EqualFold(v.String(), "null") {
			continue
		}
		if kept == "" {
			kept = v.String()
		}
	}
	if kept == "" {
		return json
	}
	out, err := sjson.Set(json, "type", kept)
	if err != nil {
		return json
	}
	return out
}

func uppercaseType(json string) string {
	t := gjson.Get(json, "type")
	if !t.Exists() || t.Type != gjson.String {
		return json
	}
	upper := strings.ToUpper(t.String())
	if upper == t.String() {
		return json
	}
	out, err := sjson.Set(json, "type", upper)
	if err != nil {
		return json
	}
	return out
}

func recurseIntoChildren(json string) string {
	props := gjson.Get(json, "properties")
	if props.IsObject() {
		props.ForEach(func(key, value gjson.Result) bool {
			cleanedChild := cleanNode(value.Raw, key.String())
			updated, err := sjson.SetRaw(json, "properties."+escapeKey(key.String()), cleanedChild)
			if err == nil {
				json = updated
			}
			return true
		})
	}

	if items := gjson.Get(json, "items"); items.Exists() {
		cleanedItems := cleanNode(items.Raw, "items")
		if updated, err := sjson.SetRaw(json, "items", cleanedItems); err == nil {
			json = updated
		}
	}

	return json
}

func escapeKey(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	key = strings.ReplaceAll(key, ".", "\\.")
	return key
}
