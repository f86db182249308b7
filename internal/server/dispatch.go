package server

import (
	"context"
	"net/url"

	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/orchestrator"
	"github.com/ag2api/gateway/internal/translate/google"
	"github.com/ag2api/gateway/internal/upstream"
)

// callGenerate runs one generateContent/streamGenerateContent attempt through
// the orchestrator and returns the unwrapped chunk(s). It forces upstream
// streaming for "pro" model variants even when the client asked for a
// non-streaming call, per §4.9 — callers tell forcedStream apart from
// clientWantsStream to decide whether to aggregate before replying.
func (s *Server) callGenerate(ctx context.Context, upstreamModel string, innerBody []byte, clientWantsStream bool) (chunks [][]byte, forcedStream bool, errResp *upstream.Response, err error) {
	forcedStream = clientWantsStream || google.IsProVariant(upstreamModel)

	method := "generateContent"
	query := url.Values{}
	if forcedStream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}

	req := orchestrator.Request{
		Group:  credstore.GroupForModel(upstreamModel),
		Model:  upstreamModel,
		Method: method,
		Query:  query,
		BuildBody: func(projectID string) ([]byte, error) {
			return google.WrapRequest(projectID, upstreamModel, innerBody), nil
		},
	}

	resp, err := s.orc.CallV1Internal(ctx, req)
	if err != nil {
		return nil, forcedStream, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, forcedStream, resp, nil
	}

	if !forcedStream {
		return [][]byte{google.UnwrapResponse(resp.Body)}, forcedStream, nil, nil
	}

	raw := upstream.DecodeSSE(resp.Body)
	chunks = make([][]byte, len(raw))
	for i, c := range raw {
		chunks[i] = google.UnwrapResponse(c)
	}
	return chunks, forcedStream, nil, nil
}

// callCountTokens wraps innerBody as-is and issues a non-streaming countTokens
// call for upstreamModel.
func (s *Server) callCountTokens(ctx context.Context, upstreamModel string, innerBody []byte) (*upstream.Response, error) {
	req := orchestrator.Request{
		Group:  credstore.GroupForModel(upstreamModel),
		Model:  upstreamModel,
		Method: "countTokens",
		BuildBody: func(projectID string) ([]byte, error) {
			return google.WrapRequest(projectID, upstreamModel, innerBody), nil
		},
	}
	return s.orc.CallV1Internal(ctx, req)
}
