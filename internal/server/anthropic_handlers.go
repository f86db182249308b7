package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/ag2api/gateway/internal/interfaces"
	"github.com/ag2api/gateway/internal/translate/anthropic"
	"github.com/ag2api/gateway/internal/translate/google"
)

func (s *Server) listClaudeModels(c *gin.Context) {
	models := claudeModelList()
	var firstID, lastID string
	if len(models) > 0 {
		firstID, _ = models[0]["id"].(string)
		lastID, _ = models[len(models)-1]["id"].(string)
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     models,
		"has_more": false,
		"first_id": firstID,
		"last_id":  lastID,
	})
}

func (s *Server) anthropicMessages(c *gin.Context) {
	rawJSON, readErr := c.GetRawData()
	if readErr != nil || !json.Valid(rawJSON) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid JSON body"}})
		return
	}

	clientWantsStream := gjson.GetBytes(rawJSON, "stream").Bool()
	innerBody, upstreamModel := anthropic.BuildUpstreamRequest(gjson.GetBytes(rawJSON, "model").String(), rawJSON)
	c.Set("API_REQUEST", innerBody)

	chunks, forcedStream, errResp, err := s.callGenerate(c.Request.Context(), upstreamModel, innerBody, clientWantsStream)
	if err != nil {
		c.Set("API_RESPONSE_ERROR", []*interfaces.ErrorMessage{{StatusCode: http.StatusBadGateway, Error: err}})
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	if errResp != nil {
		c.Set("API_RESPONSE_ERROR", []*interfaces.ErrorMessage{{StatusCode: errResp.StatusCode, Error: errors.New(string(errResp.Body))}})
		c.Data(errResp.StatusCode, "application/json", errResp.Body)
		return
	}

	if clientWantsStream {
		c.Set("API_RESPONSE", google.AggregateStream(chunks))
		s.writeAnthropicStream(c, chunks, upstreamModel)
		return
	}

	var merged []byte
	switch {
	case forcedStream:
		merged = google.AggregateStream(chunks)
	case len(chunks) > 0:
		merged = chunks[0]
	default:
		merged = []byte(`{}`)
	}
	c.Set("API_RESPONSE", merged)
	c.Data(http.StatusOK, "application/json", anthropic.BuildNonStreamResponse(merged, upstreamModel))
}

func (s *Server) anthropicCountTokens(c *gin.Context) {
	rawJSON, readErr := c.GetRawData()
	if readErr != nil || !json.Valid(rawJSON) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid JSON body"}})
		return
	}

	innerBody, upstreamModel := anthropic.BuildUpstreamRequest(gjson.GetBytes(rawJSON, "model").String(), rawJSON)
	c.Set("API_REQUEST", innerBody)

	resp, err := s.callCountTokens(c.Request.Context(), upstreamModel, innerBody)
	if err != nil {
		c.Set("API_RESPONSE_ERROR", []*interfaces.ErrorMessage{{StatusCode: http.StatusBadGateway, Error: err}})
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	if resp.StatusCode >= 400 {
		c.Set("API_RESPONSE_ERROR", []*interfaces.ErrorMessage{{StatusCode: resp.StatusCode, Error: errors.New(string(resp.Body))}})
		c.Data(resp.StatusCode, "application/json", resp.Body)
		return
	}

	c.Set("API_RESPONSE", resp.Body)
	c.Data(http.StatusOK, "application/json", anthropic.CountTokensResponse(google.UnwrapResponse(resp.Body)))
}

// writeAnthropicStream feeds each decoded upstream chunk through a Stream and
// forwards the resulting SSE events to the client as they're produced.
func (s *Server) writeAnthropicStream(c *gin.Context, chunks [][]byte, upstreamModel string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, canFlush := c.Writer.(http.Flusher)
	stream := anthropic.NewStream(upstreamModel)

	for _, chunk := range chunks {
		for _, event := range stream.Step(chunk) {
			_, _ = c.Writer.WriteString(event)
		}
		if canFlush {
			flusher.Flush()
		}
	}
	for _, event := range stream.Finish() {
		_, _ = c.Writer.WriteString(event)
	}
	if canFlush {
		flusher.Flush()
	}
}
