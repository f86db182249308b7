package upstream

import "strings"

// DecodeSSE splits a server-sent-event body into its successive "data:"
// payloads, in order, skipping keep-alive comments and the "[DONE]" sentinel
// some upstreams emit.
func DecodeSSE(body []byte) [][]byte {
	var chunks [][]byte
	var data strings.Builder

	flush := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.String()
		data.Reset()
		if payload == "[DONE]" {
			return
		}
		chunks = append(chunks, []byte(payload))
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// ignore event:/id:/comment lines; this upstream never needs them.
		}
	}
	flush()

	return chunks
}
