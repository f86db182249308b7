package anthropic

import (
	"strings"
	"testing"
)

func countEvents(events []string, name string) int {
	count := 0
	prefix := "event: " + name + "\n"
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			count++
		}
	}
	return count
}

func TestStreamEmitsMessageStartOnce(t *testing.T) {
	s := NewStream("gemini-2.5-pro")
	events1 := s.Step([]byte(`{"responseId":"r1","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	events2 := s.Step([]byte(`{"candidates":[{"content":{"parts":[{"text":" there"}]}}]}`))

	if countEvents(events1, "message_start") != 1 {
		t.Fatalf("expected exactly one message_start in first step, got %v", events1)
	}
	if countEvents(events2, "message_start") != 0 {
		t.Fatalf("expected no message_start in second step, got %v", events2)
	}
}

func TestStreamTrailingSignatureThenToolUseEndsWithToolUse(t *testing.T) {
	s := NewStream("gemini-2.5-pro")
	s.Step([]byte(`{"responseId":"r1","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"","thoughtSignature":"SIG1"}]}}]}`))
	events := s.Step([]byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"x","args":{"a":1}}}]}}]}`))

	if countEvents(events, "content_block_start") == 0 {
		t.Fatalf("expected content_block_start events for the trailing thinking block and the tool_use block: %v", events)
	}

	joined := strings.Join(events, "")
	if !strings.Contains(joined, `"signature":"SIG1"`) {
		t.Fatalf("expected SIG1 to be emitted via signature_delta: %v", events)
	}

	finishEvents := s.Finish()
	joinedFinish := strings.Join(finishEvents, "")
	if !strings.Contains(joinedFinish, `"stop_reason":"tool_use"`) {
		t.Fatalf("expected stop_reason tool_use in finish events: %v", finishEvents)
	}
}

func TestStreamThinkingTextThenFinish(t *testing.T) {
	s := NewStream("gemini-2.5-pro")
	s.Step([]byte(`{"responseId":"r2","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"pondering","thought":true,"thoughtSignature":"SIGX"}]}}]}`))
	s.Step([]byte(`{"candidates":[{"content":{"parts":[{"text":"the answer"}]}}]}`))
	events := s.Finish()
	joined := strings.Join(events, "")

	if !strings.Contains(joined, "message_stop") {
		t.Fatalf("expected message_stop: %v", events)
	}
	if !strings.Contains(joined, `"stop_reason":"end_turn"`) {
		t.Fatalf("expected end_turn stop_reason: %v", events)
	}
	if !strings.Contains(joined, `"signature":"SIGX"`) {
		t.Fatalf("expected SIGX to be carried on the thinking block close: %v", events)
	}
}

func TestStreamNoContentProducesNoFinishEvents(t *testing.T) {
	s := NewStream("gemini-2.5-pro")
	s.Step([]byte(`{"responseId":"r3","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[]}}]}`))
	events := s.Finish()
	if len(events) != 0 {
		t.Fatalf("expected no finish events when nothing was emitted, got %v", events)
	}
}

func TestStreamUsageCarriedIntoMessageDelta(t *testing.T) {
	s := NewStream("gemini-2.5-pro")
	s.Step([]byte(`{"responseId":"r4","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":5,"totalTokenCount":8}}`))
	events := s.Finish()
	joined := strings.Join(events, "")
	if !strings.Contains(joined, `"input_tokens":5`) || !strings.Contains(joined, `"output_tokens":3`) {
		t.Fatalf("expected usage carried through: %v", events)
	}
}
