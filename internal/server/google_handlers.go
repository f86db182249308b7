package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ag2api/gateway/internal/interfaces"
	"github.com/ag2api/gateway/internal/translate/google"
)

func (s *Server) listGeminiModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": geminiModelList()})
}

func (s *Server) geminiModelDetail(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	for _, id := range geminiModelIDs {
		if action == id || action == "models/"+id {
			c.JSON(http.StatusOK, geminiModelEntry(id))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "Not Found"}})
}

// geminiDispatch implements the "/v1beta/models/<model>:<method>" routing
// convention: the colon-joined action param carries both the target model
// and the RPC method in a single path segment (§4.10).
func (s *Server) geminiDispatch(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	parts := strings.SplitN(action, ":", 2)
	if len(parts) != 2 {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": fmt.Sprintf("%s not found", c.Request.URL.Path)}})
		return
	}
	modelName, method := parts[0], parts[1]

	rawJSON, readErr := c.GetRawData()
	if readErr != nil || !json.Valid(rawJSON) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "Invalid JSON body"}})
		return
	}

	switch method {
	case "generateContent":
		s.handleGeminiGenerate(c, modelName, rawJSON, false)
	case "streamGenerateContent":
		s.handleGeminiGenerate(c, modelName, rawJSON, true)
	case "countTokens":
		s.handleGeminiCountTokens(c, modelName, rawJSON)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": fmt.Sprintf("unsupported method %q", method)}})
	}
}

func (s *Server) handleGeminiGenerate(c *gin.Context, modelName string, rawJSON []byte, clientWantsStream bool) {
	c.Set("API_REQUEST", rawJSON)

	chunks, forcedStream, errResp, err := s.callGenerate(c.Request.Context(), modelName, rawJSON, clientWantsStream)
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
		s.writeGeminiStream(c, chunks)
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
	c.Data(http.StatusOK, "application/json", merged)
}

func (s *Server) handleGeminiCountTokens(c *gin.Context, modelName string, rawJSON []byte) {
	c.Set("API_REQUEST", rawJSON)

	resp, err := s.callCountTokens(c.Request.Context(), modelName, rawJSON)
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
	c.Data(http.StatusOK, "application/json", google.UnwrapResponse(resp.Body))
}

// writeGeminiStream forwards each unwrapped chunk to the client as a
// "data: <json>\n\n" event, matching the Gemini SDK's SSE expectations.
func (s *Server) writeGeminiStream(c *gin.Context, chunks [][]byte) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, canFlush := c.Writer.(http.Flusher)
	for _, chunk := range chunks {
		_, _ = c.Writer.WriteString("data: ")
		_, _ = c.Writer.Write(chunk)
		_, _ = c.Writer.WriteString("\n\n")
		if canFlush {
			flusher.Flush()
		}
	}
}
