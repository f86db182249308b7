package anthropic

import "sort"

// DefaultUpstreamModel is used whenever an Anthropic model id has no mapping
// entry, per §4.8's "conservative default for unknown inputs".
const DefaultUpstreamModel = "claude-sonnet-4-5"

// modelTable maps Anthropic model ids to the upstream model ids this gateway
// actually dispatches against.
var modelTable = map[string]string{
	"claude-opus-4-1":           "claude-opus-4-1",
	"claude-opus-4-5":           "claude-opus-4-5",
	"claude-sonnet-4-5":         "claude-sonnet-4-5",
	"claude-sonnet-4-20250514":  "claude-sonnet-4-5",
	"claude-3-7-sonnet-latest":  "claude-sonnet-4-5",
	"claude-3-7-sonnet-20250219": "claude-sonnet-4-5",
	"claude-3-5-haiku-latest":   "gemini-2.5-flash",
	"claude-3-5-haiku-20241022": "gemini-2.5-flash",
}

// flashBudgetCap bounds thinkingBudget when the resolved model is a flash
// variant, including the forced web_search substitution (§4.8).
const flashBudgetCap = 24576

// WebSearchModel is the model substituted whenever a request carries a
// web_search tool (§4.8).
const WebSearchModel = "gemini-2.5-flash"

// KnownModelIDs lists the Anthropic model ids this gateway has an explicit
// mapping for, in a stable order, for use by the models-list endpoint.
func KnownModelIDs() []string {
	ids := make([]string, 0, len(modelTable))
	for id := range modelTable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveUpstreamModel maps an Anthropic model id to its upstream id.
func ResolveUpstreamModel(anthropicModel string) string {
	if mapped, ok := modelTable[anthropicModel]; ok {
		return mapped
	}
	return DefaultUpstreamModel
}

// isFlashVariant reports whether modelID should have its thinking budget
// capped to flashBudgetCap.
func isFlashVariant(modelID string) bool {
	return len(modelID) >= 5 && modelID[len(modelID)-5:] == "flash"
}
