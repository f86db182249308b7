package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ag2api/gateway/internal/cache"
)

// BuildUpstreamRequest maps an Anthropic /v1/messages request body into the
// upstream content schema (§4.8 "Request-in").
func BuildUpstreamRequest(anthropicModel string, rawJSON []byte) ([]byte, string) {
	upstreamModel := ResolveUpstreamModel(anthropicModel)

	out := `{"contents":[]}`

	root := gjson.ParseBytes(rawJSON)

	// System prompt becomes a synthetic leading "user" turn.
	if systemResult := root.Get("system"); systemResult.Exists() {
		var systemText strings.Builder
		if systemResult.IsArray() {
			systemResult.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					if systemText.Len() > 0 {
						systemText.WriteString("\n")
					}
					systemText.WriteString(block.Get("text").String())
				}
				return true
			})
		} else if systemResult.Type == gjson.String {
			systemText.WriteString(systemResult.String())
		}
		if systemText.Len() > 0 {
			turn := `{"role":"user","parts":[{"text":""}]}`
			turn, _ = sjson.Set(turn, "parts.0.text", systemText.String())
			out, _ = sjson.SetRaw(out, "contents.-1", turn)
		}
	}

	toolNameByID := map[string]string{}
	usesWebSearch := false

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			if role == "assistant" {
				role = "model"
			}

			turn := `{"role":"","parts":[]}`
			turn, _ = sjson.Set(turn, "role", role)

			content := message.Get("content")
			if content.Type == gjson.String {
				if content.String() != "(no content)" {
					part := `{"text":""}`
					part, _ = sjson.Set(part, "text", content.String())
					turn, _ = sjson.SetRaw(turn, "parts.-1", part)
				}
			} else if content.IsArray() {
				content.ForEach(func(_, block gjson.Result) bool {
					switch block.Get("type").String() {
					case "text":
						text := block.Get("text").String()
						if text == "(no content)" {
							return true
						}
						part := `{"text":""}`
						part, _ = sjson.Set(part, "text", text)
						turn, _ = sjson.SetRaw(turn, "parts.-1", part)

					case "thinking":
						thinkingText := block.Get("thinking").String()
						part := `{"text":"","thought":true}`
						part, _ = sjson.Set(part, "text", thinkingText)
						sig := block.Get("signature").String()
						if sig == "" {
							// Some clients round-trip a thinking block without its
							// signature on a later turn; recover it from the cache
							// this same translator populated while streaming it out.
							sig = cache.GetCachedSignature(upstreamModel, thinkingText)
						}
						if sig != "" {
							part, _ = sjson.Set(part, "thoughtSignature", sig)
						}
						turn, _ = sjson.SetRaw(turn, "parts.-1", part)

					case "tool_use":
						id := block.Get("id").String()
						name := block.Get("name").String()
						toolNameByID[id] = name

						part := `{"functionCall":{"name":"","args":{}}}`
						part, _ = sjson.Set(part, "functionCall.name", name)
						if args := block.Get("input"); args.Exists() {
							part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
						}
						part, _ = sjson.Set(part, "functionCall.id", id)
						if sig := block.Get("signature"); sig.Exists() && sig.String() != "" {
							part, _ = sjson.Set(part, "thoughtSignature", sig.String())
						}
						turn, _ = sjson.SetRaw(turn, "parts.-1", part)

					case "tool_result":
						toolID := block.Get("tool_use_id").String()
						name := toolNameByID[toolID]
						if name == "" {
							name = toolID
						}

						resultText := resultContentText(block.Get("content"))

						part := `{"functionResponse":{"name":"","response":{"result":""},"id":""}}`
						part, _ = sjson.Set(part, "functionResponse.name", name)
						part, _ = sjson.Set(part, "functionResponse.response.result", resultText)
						part, _ = sjson.Set(part, "functionResponse.id", toolID)
						turn, _ = sjson.SetRaw(turn, "parts.-1", part)

					case "image":
						source := block.Get("source")
						part := `{"inlineData":{"mimeType":"","data":""}}`
						part, _ = sjson.Set(part, "inlineData.mimeType", source.Get("media_type").String())
						part, _ = sjson.Set(part, "inlineData.data", source.Get("data").String())
						turn, _ = sjson.SetRaw(turn, "parts.-1", part)
					}
					return true
				})
			}

			if partsResult := gjson.Get(turn, "parts"); partsResult.Exists() && len(partsResult.Array()) > 0 {
				out, _ = sjson.SetRaw(out, "contents.-1", turn)
			}
			return true
		})
	}

	if tools := root.Get("tools"); tools.IsArray() {
		var declarations []string
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() == "web_search" || tool.Get("name").String() == "web_search" {
				usesWebSearch = true
				return true
			}
			decl := `{"name":"","description":"","parametersJsonSchema":{}}`
			decl, _ = sjson.Set(decl, "name", tool.Get("name").String())
			decl, _ = sjson.Set(decl, "description", tool.Get("description").String())
			if schema := tool.Get("input_schema"); schema.Exists() {
				cleaned := CleanInputSchema(schema.Raw)
				decl, _ = sjson.SetRaw(decl, "parametersJsonSchema", cleaned)
			}
			declarations = append(declarations, decl)
			return true
		})

		if usesWebSearch {
			out, _ = sjson.SetRaw(out, "tools", `[{"googleSearch":{}}]`)
			upstreamModel = WebSearchModel
		} else if len(declarations) > 0 {
			out, _ = sjson.SetRaw(out, "tools", `[{"functionDeclarations":[]}]`)
			for _, decl := range declarations {
				out, _ = sjson.SetRaw(out, "tools.0.functionDeclarations.-1", decl)
			}
		}
	}

	thinkingEnabled := false
	thinkingBudget := int64(-1)
	if thinking := root.Get("thinking"); thinking.Exists() && thinking.Get("type").String() == "enabled" {
		thinkingEnabled = true
		if budget := thinking.Get("budget_tokens"); budget.Exists() {
			thinkingBudget = budget.Int()
		}
	}

	cappedBudget := isFlashVariant(upstreamModel)
	if thinkingEnabled {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		if thinkingBudget >= 0 {
			if cappedBudget && thinkingBudget > flashBudgetCap {
				thinkingBudget = flashBudgetCap
			}
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", thinkingBudget)
		}
	} else if cappedBudget {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", flashBudgetCap)
	}

	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Float())
	}
	if v := root.Get("top_k"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topK", v.Int())
	}
	out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", 64000)

	out = string(attachSafetySettings([]byte(out), "safetySettings"))

	return []byte(out), upstreamModel
}

// resultContentText concatenates a tool_result's content into a single
// string, per §4.8 ("if content is a list of blocks, concatenate their text
// with newlines").
func resultContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var builder strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			if text := block.Get("text"); text.Exists() {
				if builder.Len() > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(text.String())
			}
			return true
		})
		return builder.String()
	}
	return content.Raw
}
