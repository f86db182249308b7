// Package google implements the thin wrap/unwrap translator for the
// Google-compatible /v1beta/models surface (§4.9).
package google

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const userAgent = "antigravity"

// proModelSuffix identifies "pro" model variants, which must always stream
// from upstream even when the client requested a non-streaming method.
const proModelSuffix = "pro"

// IsProVariant reports whether modelID names a "pro" model family member.
func IsProVariant(modelID string) bool {
	for _, part := range strings.Split(modelID, "-") {
		if part == proModelSuffix {
			return true
		}
	}
	return false
}

// WrapRequest builds the v1internal envelope {project, requestId, request,
// model, userAgent, requestType} around a client-supplied Gemini-shaped
// request body. A fresh requestId is generated on every call, matching the
// "generated per attempt" rule used by the retry orchestrator.
func WrapRequest(projectID, model string, requestBody []byte) []byte {
	out := `{"project":"","requestId":"","request":{},"model":"","userAgent":"","requestType":"agent"}`
	out, _ = sjson.Set(out, "project", projectID)
	out, _ = sjson.Set(out, "requestId", "agent-"+uuid.NewString())
	if wrapped, err := sjson.SetRawBytes([]byte(out), "request", requestBody); err == nil {
		out = string(wrapped)
	}
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "userAgent", userAgent)
	return []byte(out)
}

// UnwrapResponse reads chunk.response if present, otherwise returns the
// chunk itself (§4.9).
func UnwrapResponse(rawJSON []byte) []byte {
	if inner := gjson.GetBytes(rawJSON, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return rawJSON
}

// AggregateStream merges a sequence of unwrapped streaming chunks into a
// single non-streaming response, as required when the upstream was forced
// to stream for a "pro" model but the client asked for a non-streaming
// method. Within the merged candidate, consecutive plain-text parts merge
// into one and consecutive thought parts merge into one, keeping the latest
// non-empty signature seen for each run.
func AggregateStream(chunks [][]byte) []byte {
	if len(chunks) == 0 {
		return []byte(`{}`)
	}

	base := gjson.ParseBytes(chunks[len(chunks)-1])
	out := `{}`
	if v := base.Get("responseId"); v.Exists() {
		out, _ = sjson.Set(out, "responseId", v.String())
	}
	if v := base.Get("modelVersion"); v.Exists() {
		out, _ = sjson.Set(out, "modelVersion", v.String())
	}
	if v := base.Get("usageMetadata"); v.Exists() {
		out, _ = sjson.SetRaw(out, "usageMetadata", v.Raw)
	}
	if v := base.Get("candidates.0.finishReason"); v.Exists() {
		out, _ = sjson.Set(out, "candidates.0.finishReason", v.String())
	}

	var textBuf, thinkBuf strings.Builder
	var thinkSig string
	mode := "none"

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		part := `{"text":""}`
		part, _ = sjson.Set(part, "text", textBuf.String())
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		textBuf.Reset()
	}
	flushThink := func() {
		if thinkBuf.Len() == 0 {
			thinkSig = ""
			return
		}
		part := `{"text":"","thought":true}`
		part, _ = sjson.Set(part, "text", thinkBuf.String())
		if thinkSig != "" {
			part, _ = sjson.Set(part, "thoughtSignature", thinkSig)
		}
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part)
		thinkBuf.Reset()
		thinkSig = ""
	}

	for _, chunk := range chunks {
		parts := gjson.GetBytes(chunk, "candidates.0.content.parts")
		if !parts.IsArray() {
			continue
		}
		for _, part := range parts.Array() {
			if fc := part.Get("functionCall"); fc.Exists() {
				flushText()
				flushThink()
				out, _ = sjson.SetRaw(out, "candidates.0.content.parts.-1", part.Raw)
				mode = "none"
				continue
			}
			text := part.Get("text").String()
			if text == "" {
				continue
			}
			isThought := part.Get("thought").Bool()
			if isThought {
				if mode == "text" {
					flushText()
				}
				mode = "thinking"
				thinkBuf.WriteString(text)
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					thinkSig = sig
				}
				continue
			}
			if mode == "thinking" {
				flushThink()
			}
			mode = "text"
			textBuf.WriteString(text)
		}
	}
	flushText()
	flushThink()

	return []byte(out)
}
