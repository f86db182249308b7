package anthropic

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestBuildNonStreamResponseTextOnly(t *testing.T) {
	raw := []byte(`{
		"responseId": "resp-1",
		"modelVersion": "claude-sonnet-4-5",
		"candidates": [{"content": {"parts": [{"text": "hello there"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4, "totalTokenCount": 14}
	}`)

	out := BuildNonStreamResponse(raw, "gemini-2.5-pro")
	result := gjson.ParseBytes(out)

	if got := result.Get("id").String(); got != "resp-1" {
		t.Fatalf("id = %q", got)
	}
	if got := result.Get("stop_reason").String(); got != "end_turn" {
		t.Fatalf("stop_reason = %q", got)
	}
	if got := result.Get("content.0.type").String(); got != "text" {
		t.Fatalf("content.0.type = %q", got)
	}
	if got := result.Get("content.0.text").String(); got != "hello there" {
		t.Fatalf("content.0.text = %q", got)
	}
	if got := result.Get("usage.input_tokens").Int(); got != 10 {
		t.Fatalf("input_tokens = %d", got)
	}
	if got := result.Get("usage.output_tokens").Int(); got != 4 {
		t.Fatalf("output_tokens = %d", got)
	}
}

func TestBuildNonStreamResponseThinkingThenText(t *testing.T) {
	raw := []byte(`{
		"responseId": "resp-2",
		"modelVersion": "claude-sonnet-4-5",
		"candidates": [{"content": {"parts": [
			{"text": "pondering", "thought": true, "thoughtSignature": "SIG1"},
			{"text": "the answer is 4"}
		]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 5, "totalTokenCount": 9}
	}`)

	out := BuildNonStreamResponse(raw, "gemini-2.5-pro")
	result := gjson.ParseBytes(out)

	if got := result.Get("content.0.type").String(); got != "thinking" {
		t.Fatalf("content.0.type = %q", got)
	}
	if got := result.Get("content.0.signature").String(); got != "SIG1" {
		t.Fatalf("content.0.signature = %q", got)
	}
	if got := result.Get("content.1.type").String(); got != "text" {
		t.Fatalf("content.1.type = %q", got)
	}
	if got := result.Get("content.1.text").String(); got != "the answer is 4" {
		t.Fatalf("content.1.text = %q", got)
	}
}

func TestBuildNonStreamResponseTrailingSignatureBeforeToolCall(t *testing.T) {
	raw := []byte(`{
		"responseId": "resp-3",
		"modelVersion": "claude-sonnet-4-5",
		"candidates": [{"content": {"parts": [
			{"text": "", "thoughtSignature": "SIG1"},
			{"functionCall": {"name": "x", "args": {"a": 1}}}
		]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 2, "totalTokenCount": 3}
	}`)

	out := BuildNonStreamResponse(raw, "gemini-2.5-pro")
	result := gjson.ParseBytes(out)

	if got := result.Get("content.0.type").String(); got != "thinking" {
		t.Fatalf("content.0.type = %q", got)
	}
	if got := result.Get("content.0.thinking").String(); got != "" {
		t.Fatalf("content.0.thinking = %q, want empty", got)
	}
	if got := result.Get("content.0.signature").String(); got != "SIG1" {
		t.Fatalf("content.0.signature = %q", got)
	}
	if got := result.Get("content.1.type").String(); got != "tool_use" {
		t.Fatalf("content.1.type = %q", got)
	}
	if got := result.Get("content.1.name").String(); got != "x" {
		t.Fatalf("content.1.name = %q", got)
	}
	if got := result.Get("stop_reason").String(); got != "tool_use" {
		t.Fatalf("stop_reason = %q", got)
	}
}

func TestBuildNonStreamResponseSignedPlainTextSplitsBlock(t *testing.T) {
	raw := []byte(`{
		"responseId": "resp-4",
		"modelVersion": "claude-sonnet-4-5",
		"candidates": [{"content": {"parts": [
			{"text": "visible text", "thoughtSignature": "SIG2"}
		]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 1, "totalTokenCount": 2}
	}`)

	out := BuildNonStreamResponse(raw, "gemini-2.5-pro")
	result := gjson.ParseBytes(out)

	if got := result.Get("content.0.type").String(); got != "thinking" {
		t.Fatalf("content.0.type = %q", got)
	}
	if got := result.Get("content.0.signature").String(); got != "SIG2" {
		t.Fatalf("content.0.signature = %q", got)
	}
	if got := result.Get("content.1.type").String(); got != "text" {
		t.Fatalf("content.1.type = %q", got)
	}
	if got := result.Get("content.1.text").String(); got != "visible text" {
		t.Fatalf("content.1.text = %q", got)
	}
}

func TestMapUsagePrefersTotalMinusPrompt(t *testing.T) {
	usage := gjson.Parse(`{"promptTokenCount": 10, "totalTokenCount": 25, "candidatesTokenCount": 3}`)
	input, output := mapUsage(usage)
	if input != 10 || output != 15 {
		t.Fatalf("got input=%d output=%d", input, output)
	}
}

func TestMapUsageFallsBackToCandidatesPlusThoughts(t *testing.T) {
	usage := gjson.Parse(`{"promptTokenCount": 10, "candidatesTokenCount": 3, "thoughtsTokenCount": 2}`)
	input, output := mapUsage(usage)
	if input != 10 || output != 5 {
		t.Fatalf("got input=%d output=%d", input, output)
	}
}

func TestGenerateToolIDHasExpectedShape(t *testing.T) {
	id := generateToolID()
	if len(id) != len("toolu_")+24 {
		t.Fatalf("unexpected length: %d", len(id))
	}
	if id[:6] != "toolu_" {
		t.Fatalf("unexpected prefix: %q", id)
	}
}
