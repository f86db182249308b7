package anthropic

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ag2api/gateway/internal/cache"
)

// blockKind is the active SSE content-block state (§4.8 streaming state machine).
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockFunction
)

// Stream carries state across repeated calls to Step as upstream SSE chunks
// arrive, and across the single Finish call that closes the response out.
type Stream struct {
	model       string
	started     bool
	index       int
	kind        blockKind
	thinkSig    string
	thinkText   strings.Builder
	trailingSig string
	hasContent  bool
	usedTool    bool
	funcID      string
	funcStarted bool
	maxTokens   bool
	usageInput  int64
	usageOutput int64
}

// NewStream starts a fresh streaming translation session against the given
// upstream model, used to key the thought-signature cache.
func NewStream(model string) *Stream { return &Stream{model: model} }

// Step consumes one upstream SSE chunk (a full JSON object, not yet wrapped
// in "data:") and returns zero or more fully-formatted SSE events to forward
// to the client.
func (s *Stream) Step(rawJSON []byte) []string {
	root := gjson.ParseBytes(rawJSON)
	var events []string

	if !s.started {
		events = append(events, s.messageStart(root))
		s.started = true
	}

	parts := root.Get("candidates.0.content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			events = append(events, s.consumePart(part)...)
		}
	}

	if finish := root.Get("candidates.0.finishReason"); finish.Exists() && finish.String() == "MAX_TOKENS" {
		s.maxTokens = true
	}
	if usage := root.Get("usageMetadata"); usage.Exists() {
		s.usageInput, s.usageOutput = mapUsage(usage)
	}

	return events
}

func (s *Stream) messageStart(root gjson.Result) string {
	template := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	template, _ = sjson.Set(template, "message.id", root.Get("responseId").String())
	template, _ = sjson.Set(template, "message.model", root.Get("modelVersion").String())
	return sseEvent("message_start", template)
}

func (s *Stream) consumePart(part gjson.Result) []string {
	var events []string

	if fc := part.Get("functionCall"); fc.Exists() {
		events = append(events, s.closeCurrent()...)
		events = append(events, s.flushTrailingSignature()...)

		name := fc.Get("name").String()
		if s.kind != blockFunction || name != "" {
			id := fc.Get("id").String()
			if id == "" {
				id = generateToolID()
			}
			s.funcID = id
			block := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, s.index)
			block, _ = sjson.Set(block, "content_block.id", id)
			block, _ = sjson.Set(block, "content_block.name", name)
			events = append(events, sseEvent("content_block_start", block))
			s.kind = blockFunction
			s.funcStarted = true
			s.usedTool = true
			s.hasContent = true
		}
		if args := fc.Get("args"); args.Exists() {
			delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, s.index)
			delta, _ = sjson.SetRaw(delta, "delta.partial_json", args.Raw)
			events = append(events, sseEvent("content_block_delta", delta))
		}
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			sigDelta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, s.index)
			sigDelta, _ = sjson.Set(sigDelta, "delta.signature", sig)
			events = append(events, sseEvent("content_block_delta", sigDelta))
		}
		return events
	}

	text := part.Get("text").String()
	sig := part.Get("thoughtSignature").String()
	isThought := part.Get("thought").Bool()

	if text == "" {
		if sig != "" && !isThought {
			s.trailingSig = sig
		}
		return events
	}

	if isThought {
		if s.kind != blockThinking {
			events = append(events, s.closeCurrent()...)
			events = append(events, s.flushTrailingSignature()...)
			events = append(events, s.openBlock("thinking", `"thinking":""`))
			s.kind = blockThinking
		}
		delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, s.index)
		delta, _ = sjson.Set(delta, "delta.thinking", text)
		events = append(events, sseEvent("content_block_delta", delta))
		s.hasContent = true
		s.thinkText.WriteString(text)
		if sig != "" {
			s.thinkSig = sig
		}
		return events
	}

	if sig != "" {
		events = append(events, s.closeCurrent()...)
		events = append(events, s.flushTrailingSignature()...)
		events = append(events, s.openBlock("thinking", `"thinking":""`))
		closing := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, s.index)
		closing, _ = sjson.Set(closing, "delta.signature", sig)
		events = append(events, sseEvent("content_block_delta", closing))
		events = append(events, s.stopBlock())
		s.kind = blockNone
		s.index++

		events = append(events, s.openBlock("text", `"text":""`))
		s.kind = blockText
		delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, s.index)
		delta, _ = sjson.Set(delta, "delta.text", text)
		events = append(events, sseEvent("content_block_delta", delta))
		s.hasContent = true
		return events
	}

	if s.kind != blockText {
		events = append(events, s.closeCurrent()...)
		events = append(events, s.flushTrailingSignature()...)
		events = append(events, s.openBlock("text", `"text":""`))
		s.kind = blockText
	}
	delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, s.index)
	delta, _ = sjson.Set(delta, "delta.text", text)
	events = append(events, sseEvent("content_block_delta", delta))
	s.hasContent = true
	return events
}

// closeCurrent closes the currently open block, if any, emitting a
// signature_delta first when a thinking block carries a stashed signature.
func (s *Stream) closeCurrent() []string {
	if s.kind == blockNone {
		return nil
	}
	var events []string
	if s.kind == blockThinking && s.thinkSig != "" {
		delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, s.index)
		delta, _ = sjson.Set(delta, "delta.signature", s.thinkSig)
		events = append(events, sseEvent("content_block_delta", delta))
		if s.thinkText.Len() > 0 {
			cache.CacheSignature(s.model, s.thinkText.String(), s.thinkSig)
		}
		s.thinkSig = ""
	}
	if s.kind == blockThinking {
		s.thinkText.Reset()
	}
	events = append(events, s.stopBlock())
	s.kind = blockNone
	s.index++
	return events
}

// flushTrailingSignature emits a standalone empty thinking block carrying a
// stashed trailing signature, if one is pending.
func (s *Stream) flushTrailingSignature() []string {
	if s.trailingSig == "" {
		return nil
	}
	var events []string
	events = append(events, s.openBlock("thinking", `"thinking":""`))
	delta := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, s.index)
	delta, _ = sjson.Set(delta, "delta.signature", s.trailingSig)
	events = append(events, sseEvent("content_block_delta", delta))
	events = append(events, s.stopBlock())
	s.index++
	s.trailingSig = ""
	s.hasContent = true
	return events
}

func (s *Stream) openBlock(kind, fields string) string {
	block := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"%s",%s}}`, s.index, kind, fields)
	return sseEvent("content_block_start", block)
}

func (s *Stream) stopBlock() string {
	return sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, s.index))
}

// Finish closes any open block, flushes a pending trailing signature, and
// emits the terminal message_delta/message_stop pair (§4.8 "On finish").
func (s *Stream) Finish() []string {
	if !s.hasContent {
		return nil
	}
	var events []string
	events = append(events, s.closeCurrent()...)
	events = append(events, s.flushTrailingSignature()...)

	stopReason := "end_turn"
	if s.usedTool {
		stopReason = "tool_use"
	} else if s.maxTokens {
		stopReason = "max_tokens"
	}

	delta := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
	delta, _ = sjson.Set(delta, "usage.input_tokens", s.usageInput)
	delta, _ = sjson.Set(delta, "usage.output_tokens", s.usageOutput)
	events = append(events, sseEvent("message_delta", delta))
	events = append(events, sseEvent("message_stop", `{"type":"message_stop"}`))
	return events
}

func sseEvent(name, data string) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\ndata: ")
	b.WriteString(data)
	b.WriteString("\n\n")
	return b.String()
}
