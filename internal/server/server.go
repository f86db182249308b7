// Package server assembles the gateway's gin router: the Anthropic-compatible
// /v1 surface, the Google-compatible /v1beta surface, and the shared
// CORS/API-key middleware in front of both (§4.10).
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ag2api/gateway/internal/config"
	"github.com/ag2api/gateway/internal/credstore"
	"github.com/ag2api/gateway/internal/logging"
	"github.com/ag2api/gateway/internal/orchestrator"
	"github.com/ag2api/gateway/internal/quota"
	"github.com/ag2api/gateway/internal/reqlog"
)

// Server wires the orchestrator and account pool behind both client-facing
// protocol surfaces plus the thin admin surface (A6).
type Server struct {
	router  *gin.Engine
	orc     *orchestrator.Orchestrator
	store   *credstore.Store
	tracker *quota.Tracker
}

// New builds the gin engine and registers every route this gateway exposes.
// reqLogger is optional (nil disables raw request/response capture entirely);
// when set it only ever records traffic on the guarded API routes, never /admin.
func New(cfg *config.Config, orc *orchestrator.Orchestrator, store *credstore.Store, tracker *quota.Tracker, reqLogger logging.RequestLogger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(logging.GinLogrusRecovery())
	router.Use(logging.GinLogrusLogger())
	router.Use(corsMiddleware())

	s := &Server{router: router, orc: orc, store: store, tracker: tracker}

	guarded := router.Group("/")
	guarded.Use(apiKeyAuth(keySet(cfg.APIKeys)))
	guarded.Use(reqlog.RequestLoggingMiddleware(reqLogger))

	guarded.GET("/v1/models", s.listClaudeModels)
	guarded.POST("/v1/messages", s.anthropicMessages)
	guarded.POST("/v1/messages/count_tokens", s.anthropicCountTokens)

	guarded.GET("/v1beta/models", s.listGeminiModels)
	guarded.GET("/v1beta/models/:action", s.geminiModelDetail)
	guarded.POST("/v1beta/models/:action", s.geminiDispatch)

	guarded.GET("/admin/accounts", s.listAccounts)
	guarded.DELETE("/admin/accounts/:file", s.deleteAccount)

	return s
}

// Handler returns the HTTP handler serving every registered route.
func (s *Server) Handler() http.Handler { return s.router }
