package anthropic

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ag2api/gateway/internal/cache"
)

const toolIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateToolID() string {
	var b strings.Builder
	b.WriteString("toolu_")
	for i := 0; i < 24; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(toolIDAlphabet))))
		if err != nil {
			b.WriteByte(toolIDAlphabet[0])
			continue
		}
		b.WriteByte(toolIDAlphabet[n.Int64()])
	}
	return b.String()
}

// BuildNonStreamResponse walks a complete upstream response and assembles a
// Claude-shaped non-streaming message, honoring the thought-signature
// placement rule U1 (§4.8). model keys the thought-signature cache so a
// later turn can recover a signature a client fails to round-trip.
func BuildNonStreamResponse(rawJSON []byte, model string) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("responseId").String())
	out, _ = sjson.Set(out, "model", root.Get("modelVersion").String())

	var textBuf, thinkBuf strings.Builder
	var thinkSig, trailingSig string
	mode := "none"
	hasTool := false

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", textBuf.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
		textBuf.Reset()
	}
	flushThinking := func() {
		if thinkBuf.Len() == 0 {
			thinkSig = ""
			return
		}
		block := `{"type":"thinking","thinking":""}`
		block, _ = sjson.Set(block, "thinking", thinkBuf.String())
		if thinkSig != "" {
			block, _ = sjson.Set(block, "signature", thinkSig)
			cache.CacheSignature(model, thinkBuf.String(), thinkSig)
		}
		out, _ = sjson.SetRaw(out, "content.-1", block)
		thinkBuf.Reset()
		thinkSig = ""
	}
	flushTrailing := func() {
		if trailingSig == "" {
			return
		}
		block := `{"type":"thinking","thinking":"","signature":""}`
		block, _ = sjson.Set(block, "signature", trailingSig)
		out, _ = sjson.SetRaw(out, "content.-1", block)
		trailingSig = ""
	}

	parts := root.Get("candidates.0.content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			sig := part.Get("thoughtSignature").String()
			isThought := part.Get("thought").Bool()

			if fc := part.Get("functionCall"); fc.Exists() {
				flushText()
				flushThinking()
				flushTrailing()
				hasTool = true

				id := fc.Get("id").String()
				if id == "" {
					id = generateToolID()
				}
				toolBlock := `{"type":"tool_use","id":"","name":"","input":{}}`
				toolBlock, _ = sjson.Set(toolBlock, "id", id)
				toolBlock, _ = sjson.Set(toolBlock, "name", fc.Get("name").String())
				if args := fc.Get("args"); args.Exists() && args.IsObject() {
					toolBlock, _ = sjson.SetRaw(toolBlock, "input", args.Raw)
				} else {
					toolBlock, _ = sjson.SetRaw(toolBlock, "input", "{}")
				}
				if sig != "" {
					toolBlock, _ = sjson.Set(toolBlock, "signature", sig)
				}
				out, _ = sjson.SetRaw(out, "content.-1", toolBlock)
				mode = "none"
				continue
			}

			textStr := part.Get("text").String()

			if textStr == "" {
				if sig != "" && !isThought {
					trailingSig = sig
				}
				continue
			}

			if isThought {
				if mode == "text" {
					flushText()
				}
				mode = "thinking"
				thinkBuf.WriteString(textStr)
				if sig != "" {
					thinkSig = sig
				}
				continue
			}

			if sig != "" {
				flushText()
				flushThinking()
				block := `{"type":"thinking","thinking":"","signature":""}`
				block, _ = sjson.Set(block, "signature", sig)
				out, _ = sjson.SetRaw(out, "content.-1", block)
				mode = "text"
				textBuf.WriteString(textStr)
				continue
			}

			if mode == "thinking" {
				flushThinking()
			}
			mode = "text"
			textBuf.WriteString(textStr)
		}
	}

	flushText()
	flushThinking()
	flushTrailing()

	stopReason := "end_turn"
	if hasTool {
		stopReason = "tool_use"
	} else if finish := root.Get("candidates.0.finishReason"); finish.Exists() && finish.String() == "MAX_TOKENS" {
		stopReason = "max_tokens"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)

	input, output := mapUsage(root.Get("usageMetadata"))
	out, _ = sjson.Set(out, "usage.input_tokens", input)
	out, _ = sjson.Set(out, "usage.output_tokens", output)

	return []byte(out)
}

// CountTokensResponse maps an upstream countTokens response ({"totalTokens":N})
// into the Anthropic-shaped {"input_tokens":N} count_tokens response.
func CountTokensResponse(rawJSON []byte) []byte {
	count := gjson.GetBytes(rawJSON, "totalTokens").Int()
	out := `{"input_tokens":0}`
	out, _ = sjson.Set(out, "input_tokens", count)
	return []byte(out)
}

// mapUsage implements §4.8's usage mapping rule: prefer total-minus-prompt
// when the upstream total is consistent, otherwise fall back to summing
// candidate and thought tokens.
func mapUsage(usage gjson.Result) (input, output int64) {
	input = usage.Get("promptTokenCount").Int()
	total := usage.Get("totalTokenCount")
	if total.Exists() && total.Int() >= input {
		output = total.Int() - input
		return
	}
	output = usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	return
}
