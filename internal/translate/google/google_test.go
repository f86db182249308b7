package google

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestIsProVariant(t *testing.T) {
	cases := map[string]bool{
		"gemini-2.5-pro":   true,
		"gemini-2.5-flash": false,
		"claude-opus-pro":  true,
	}
	for model, want := range cases {
		if got := IsProVariant(model); got != want {
			t.Errorf("IsProVariant(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestWrapRequestShape(t *testing.T) {
	wrapped := WrapRequest("proj-1", "gemini-2.5-pro", []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	result := gjson.ParseBytes(wrapped)

	if got := result.Get("project").String(); got != "proj-1" {
		t.Fatalf("project = %q", got)
	}
	if got := result.Get("model").String(); got != "gemini-2.5-pro" {
		t.Fatalf("model = %q", got)
	}
	if got := result.Get("userAgent").String(); got != "antigravity" {
		t.Fatalf("userAgent = %q", got)
	}
	if !strings.HasPrefix(result.Get("requestId").String(), "agent-") {
		t.Fatalf("requestId = %q", result.Get("requestId").String())
	}
	if got := result.Get("request.contents.0.parts.0.text").String(); got != "hi" {
		t.Fatalf("request body not preserved: %q", got)
	}
}

func TestWrapRequestGeneratesFreshIDsPerCall(t *testing.T) {
	a := gjson.GetBytes(WrapRequest("p", "m", []byte(`{}`)), "requestId").String()
	b := gjson.GetBytes(WrapRequest("p", "m", []byte(`{}`)), "requestId").String()
	if a == b {
		t.Fatalf("expected distinct requestIds, got %q twice", a)
	}
}

func TestUnwrapResponsePrefersInnerResponse(t *testing.T) {
	out := UnwrapResponse([]byte(`{"response":{"candidates":[]},"other":"x"}`))
	if string(out) != `{"candidates":[]}` {
		t.Fatalf("got %s", out)
	}
}

func TestUnwrapResponseFallsBackToChunk(t *testing.T) {
	raw := []byte(`{"candidates":[]}`)
	out := UnwrapResponse(raw)
	if string(out) != string(raw) {
		t.Fatalf("got %s", out)
	}
}

func TestAggregateStreamMergesConsecutiveTextAndThoughts(t *testing.T) {
	chunks := [][]byte{
		[]byte(`{"responseId":"r1","modelVersion":"gemini-2.5-pro","candidates":[{"content":{"parts":[{"text":"thinking A","thought":true}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"thinking B","thought":true,"thoughtSignature":"SIG1"}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"hello "}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"totalTokenCount":2}}`),
	}

	out := AggregateStream(chunks)
	result := gjson.ParseBytes(out)

	if got := result.Get("candidates.0.content.parts.0.text").String(); got != "thinking Athinking B" {
		t.Fatalf("merged thinking text = %q", got)
	}
	if got := result.Get("candidates.0.content.parts.0.thoughtSignature").String(); got != "SIG1" {
		t.Fatalf("thinking signature = %q", got)
	}
	if got := result.Get("candidates.0.content.parts.1.text").String(); got != "hello world" {
		t.Fatalf("merged text = %q", got)
	}
	if got := result.Get("candidates.0.finishReason").String(); got != "STOP" {
		t.Fatalf("finishReason = %q", got)
	}
}

func TestAggregateStreamKeepsFunctionCallsSeparate(t *testing.T) {
	chunks := [][]byte{
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{}}}]}}]}`),
	}
	out := AggregateStream(chunks)
	result := gjson.ParseBytes(out)
	if got := result.Get("candidates.0.content.parts.1.functionCall.name").String(); got != "f" {
		t.Fatalf("functionCall.name = %q", got)
	}
}
