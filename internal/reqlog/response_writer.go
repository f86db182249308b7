// Package reqlog wraps gin's ResponseWriter so the gateway can mirror every
// Anthropic/Gemini-surface response into internal/logging without adding
// latency to the client: the wrapped Write always reaches the client first,
// then the same bytes are buffered (or, for SSE, spooled chunk by chunk) for
// the log file. Finalize pulls the API_REQUEST/API_RESPONSE/API_RESPONSE_ERROR
// values the route handlers stash in the gin context — the translated
// v1internal request and response — alongside the client-facing body.
package reqlog

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ag2api/gateway/internal/interfaces"
	"github.com/ag2api/gateway/internal/logging"
)

const requestBodyOverrideContextKey = "REQUEST_BODY_OVERRIDE"

// RequestInfo is the snapshot of an inbound request captured before the
// handler runs, since the body reader can only be consumed once.
type RequestInfo struct {
	URL       string
	Method    string
	Headers   map[string][]string
	Body      []byte
	RequestID string
	Timestamp time.Time
}

// ResponseWriterWrapper mirrors everything written to the client into a
// request log, buffered for ordinary responses or spooled to a temp file
// chunk-by-chunk for SSE streams.
type ResponseWriterWrapper struct {
	gin.ResponseWriter
	body                *bytes.Buffer
	isStreaming         bool
	streamWriter        logging.StreamingLogWriter
	chunkChannel        chan []byte
	streamDone          chan struct{}
	logger              logging.RequestLogger
	requestInfo         *RequestInfo
	statusCode          int
	headers             map[string][]string
	logOnErrorOnly      bool
	firstChunkTimestamp time.Time
}

func NewResponseWriterWrapper(w gin.ResponseWriter, logger logging.RequestLogger, requestInfo *RequestInfo) *ResponseWriterWrapper {
	return &ResponseWriterWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		logger:         logger,
		requestInfo:    requestInfo,
		headers:        make(map[string][]string),
	}
}

// Write always reaches the client before the log copy is made.
func (w *ResponseWriterWrapper) Write(data []byte) (int, error) {
	// WriteHeader may not have fired yet (gin defaults to 200 on first Write).
	w.ensureHeadersCaptured()

	n, err := w.ResponseWriter.Write(data)

	if w.isStreaming && w.chunkChannel != nil {
		if w.firstChunkTimestamp.IsZero() {
			w.firstChunkTimestamp = time.Now()
		}
		select {
		case w.chunkChannel <- append([]byte(nil), data...):
		default: // log spooling can't block the stream
		}
		return n, err
	}

	if w.shouldBufferResponseBody() {
		w.body.Write(data)
	}

	return n, err
}

func (w *ResponseWriterWrapper) shouldBufferResponseBody() bool {
	if w.logger != nil && w.logger.IsEnabled() {
		return true
	}
	if !w.logOnErrorOnly {
		return false
	}
	status := w.statusCode
	if status == 0 {
		if statusWriter, ok := w.ResponseWriter.(interface{ Status() int }); ok && statusWriter != nil {
			status = statusWriter.Status()
		} else {
			status = http.StatusOK
		}
	}
	return status >= http.StatusBadRequest
}

// WriteString mirrors Write for handlers that write via io.StringWriter
// (c.Writer.WriteString in the SSE handlers) instead of Write.
func (w *ResponseWriterWrapper) WriteString(data string) (int, error) {
	w.ensureHeadersCaptured()

	n, err := w.ResponseWriter.WriteString(data)

	if w.isStreaming && w.chunkChannel != nil {
		if w.firstChunkTimestamp.IsZero() {
			w.firstChunkTimestamp = time.Now()
		}
		select {
		case w.chunkChannel <- []byte(data):
		default:
		}
		return n, err
	}

	if w.shouldBufferResponseBody() {
		w.body.WriteString(data)
	}
	return n, err
}

// WriteHeader detects streaming from Content-Type and, when streaming, opens
// the spooling log writer before the real header hits the wire.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.captureCurrentHeaders()

	contentType := w.ResponseWriter.Header().Get("Content-Type")
	w.isStreaming = w.detectStreaming(contentType)

	if w.isStreaming && w.logger.IsEnabled() {
		streamWriter, err := w.logger.LogStreamingRequest(
			w.requestInfo.URL,
			w.requestInfo.Method,
			w.requestInfo.Headers,
			w.requestInfo.Body,
			w.requestInfo.RequestID,
		)
		if err == nil {
			w.streamWriter = streamWriter
			w.chunkChannel = make(chan []byte, 100)
			doneChan := make(chan struct{})
			w.streamDone = doneChan

			go w.processStreamingChunks(doneChan)

			_ = streamWriter.WriteStatus(statusCode, w.headers)
		}
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

// ensureHeadersCaptured refreshes the captured header snapshot. Safe to call
// more than once; Write may trigger WriteHeader internally (gin defaults to
// 200) so callers can't assume WriteHeader already ran.
func (w *ResponseWriterWrapper) ensureHeadersCaptured() {
	w.captureCurrentHeaders()
}

func (w *ResponseWriterWrapper) captureCurrentHeaders() {
	if w.headers == nil {
		w.headers = make(map[string][]string)
	}

	for key, values := range w.ResponseWriter.Header() {
		headerValues := make([]string, len(values))
		copy(headerValues, values)
		w.headers[key] = headerValues
	}
}

// detectStreaming treats an SSE Content-Type as authoritative; before the
// handler sets one, it falls back to sniffing "stream": true in the request.
func (w *ResponseWriterWrapper) detectStreaming(contentType string) bool {
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}

	// If a concrete Content-Type is already set (e.g., application/json for error responses),
	// treat it as non-streaming instead of inferring from the request payload.
	if strings.TrimSpace(contentType) != "" {
		return false
	}

	// Only fall back to request payload hints when Content-Type is not set yet.
	if w.requestInfo != nil && len(w.requestInfo.Body) > 0 {
		return bytes.Contains(w.requestInfo.Body, []byte(`"stream": true`)) ||
			bytes.Contains(w.requestInfo.Body, []byte(`"stream":true`))
	}

	return false
}

func (w *ResponseWriterWrapper) processStreamingChunks(done chan struct{}) {
	if done == nil {
		return
	}

	defer close(done)

	if w.streamWriter == nil || w.chunkChannel == nil {
		return
	}

	for chunk := range w.chunkChannel {
		w.streamWriter.WriteChunkAsync(chunk)
	}
}

// Finalize writes the assembled log entry after the handler returns, pulling
// the v1internal request/response the handler stashed into c via API_REQUEST
// and API_RESPONSE(_ERROR).
func (w *ResponseWriterWrapper) Finalize(c *gin.Context) error {
	if w.logger == nil {
		return nil
	}

	finalStatusCode := w.statusCode
	if finalStatusCode == 0 {
		if statusWriter, ok := w.ResponseWriter.(interface{ Status() int }); ok {
			finalStatusCode = statusWriter.Status()
		} else {
			finalStatusCode = 200
		}
	}

	var slicesAPIResponseError []*interfaces.ErrorMessage
	apiResponseError, isExist := c.Get("API_RESPONSE_ERROR")
	if isExist {
		if apiErrors, ok := apiResponseError.([]*interfaces.ErrorMessage); ok {
			slicesAPIResponseError = apiErrors
		}
	}

	hasAPIError := len(slicesAPIResponseError) > 0 || finalStatusCode >= http.StatusBadRequest
	forceLog := w.logOnErrorOnly && hasAPIError && !w.logger.IsEnabled()
	if !w.logger.IsEnabled() && !forceLog {
		return nil
	}

	if w.isStreaming && w.streamWriter != nil {
		if w.chunkChannel != nil {
			close(w.chunkChannel)
			w.chunkChannel = nil
		}

		if w.streamDone != nil {
			<-w.streamDone
			w.streamDone = nil
		}

		w.streamWriter.SetFirstChunkTimestamp(w.firstChunkTimestamp)

		// Write API Request and Response to the streaming log before closing
		apiRequest := w.extractAPIRequest(c)
		if len(apiRequest) > 0 {
			_ = w.streamWriter.WriteAPIRequest(apiRequest)
		}
		apiResponse := w.extractAPIResponse(c)
		if len(apiResponse) > 0 {
			_ = w.streamWriter.WriteAPIResponse(apiResponse)
		}
		if err := w.streamWriter.Close(); err != nil {
			w.streamWriter = nil
			return err
		}
		w.streamWriter = nil
		return nil
	}

	return w.logRequest(w.extractRequestBody(c), finalStatusCode, w.cloneHeaders(), w.body.Bytes(), w.extractAPIRequest(c), w.extractAPIResponse(c), w.extractAPIResponseTimestamp(c), slicesAPIResponseError, forceLog)
}

func (w *ResponseWriterWrapper) cloneHeaders() map[string][]string {
	w.ensureHeadersCaptured()

	finalHeaders := make(map[string][]string, len(w.headers))
	for key, values := range w.headers {
		headerValues := make([]string, len(values))
		copy(headerValues, values)
		finalHeaders[key] = headerValues
	}

	return finalHeaders
}

func (w *ResponseWriterWrapper) extractAPIRequest(c *gin.Context) []byte {
	apiRequest, isExist := c.Get("API_REQUEST")
	if !isExist {
		return nil
	}
	data, ok := apiRequest.([]byte)
	if !ok || len(data) == 0 {
		return nil
	}
	return data
}

func (w *ResponseWriterWrapper) extractAPIResponse(c *gin.Context) []byte {
	apiResponse, isExist := c.Get("API_RESPONSE")
	if !isExist {
		return nil
	}
	data, ok := apiResponse.([]byte)
	if !ok || len(data) == 0 {
		return nil
	}
	return data
}

func (w *ResponseWriterWrapper) extractAPIResponseTimestamp(c *gin.Context) time.Time {
	ts, isExist := c.Get("API_RESPONSE_TIMESTAMP")
	if !isExist {
		return time.Time{}
	}
	if t, ok := ts.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (w *ResponseWriterWrapper) extractRequestBody(c *gin.Context) []byte {
	if c != nil {
		if bodyOverride, isExist := c.Get(requestBodyOverrideContextKey); isExist {
			switch value := bodyOverride.(type) {
			case []byte:
				if len(value) > 0 {
					return bytes.Clone(value)
				}
			case string:
				if strings.TrimSpace(value) != "" {
					return []byte(value)
				}
			}
		}
	}
	if w.requestInfo != nil && len(w.requestInfo.Body) > 0 {
		return w.requestInfo.Body
	}
	return nil
}

func (w *ResponseWriterWrapper) logRequest(requestBody []byte, statusCode int, headers map[string][]string, body []byte, apiRequestBody, apiResponseBody []byte, apiResponseTimestamp time.Time, apiResponseErrors []*interfaces.ErrorMessage, forceLog bool) error {
	if w.requestInfo == nil {
		return nil
	}

	if loggerWithOptions, ok := w.logger.(interface {
		LogRequestWithOptions(string, string, map[string][]string, []byte, int, map[string][]string, []byte, []byte, []byte, []*interfaces.ErrorMessage, bool, string, time.Time, time.Time) error
	}); ok {
		return loggerWithOptions.LogRequestWithOptions(
			w.requestInfo.URL,
			w.requestInfo.Method,
			w.requestInfo.Headers,
			requestBody,
			statusCode,
			headers,
			body,
			apiRequestBody,
			apiResponseBody,
			apiResponseErrors,
			forceLog,
			w.requestInfo.RequestID,
			w.requestInfo.Timestamp,
			apiResponseTimestamp,
		)
	}

	return w.logger.LogRequest(
		w.requestInfo.URL,
		w.requestInfo.Method,
		w.requestInfo.Headers,
		requestBody,
		statusCode,
		headers,
		body,
		apiRequestBody,
		apiResponseBody,
		apiResponseErrors,
		w.requestInfo.RequestID,
		w.requestInfo.Timestamp,
		apiResponseTimestamp,
	)
}
