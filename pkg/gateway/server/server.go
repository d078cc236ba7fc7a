// Package server assembles the HTTP surface: session REST endpoints, the
// live WebSocket attach, and health/readiness probes, wrapped in the
// shared middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/voice/llm"
	"github.com/voicegate/voicegate/pkg/core/voice/stt"
	"github.com/voicegate/voicegate/pkg/core/voice/tts"
	"github.com/voicegate/voicegate/pkg/gateway/config"
	"github.com/voicegate/voicegate/pkg/gateway/handlers"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
	"github.com/voicegate/voicegate/pkg/gateway/mw"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

// Dependencies carries everything main wires up: storage, budget
// accounting, provider connectors, and the drain flag shared with the
// shutdown path.
type Dependencies struct {
	Store     store.Store
	Ledger    budget.Ledger
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle

	STT stt.Connector
	TTS tts.Connector
	LLM llm.Connector
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	deps   Dependencies
	mux    *http.ServeMux
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = sessions.NewTracker()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Sessions:  s.deps.Tracker,
	})

	sessionsHandler := handlers.SessionsHandler{
		Logger:    s.logger,
		Store:     s.deps.Store,
		Ledger:    s.deps.Ledger,
		Tracker:   s.deps.Tracker,
		Lifecycle: s.deps.Lifecycle,
	}
	s.mux.HandleFunc("POST /v1/sessions", sessionsHandler.Create)
	s.mux.HandleFunc("GET /v1/sessions", sessionsHandler.List)
	s.mux.HandleFunc("GET /v1/sessions/{id}", sessionsHandler.Get)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}", sessionsHandler.Update)
	s.mux.HandleFunc("POST /v1/sessions/{id}/pause", sessionsHandler.Pause)
	s.mux.HandleFunc("POST /v1/sessions/{id}/resume", sessionsHandler.Resume)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", sessionsHandler.Delete)

	s.mux.Handle("GET /v1/sessions/{id}/live", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Store:     s.deps.Store,
		Ledger:    s.deps.Ledger,
		Tracker:   s.deps.Tracker,
		Lifecycle: s.deps.Lifecycle,
		STT:       s.deps.STT,
		TTS:       s.deps.TTS,
		LLM:       s.deps.LLM,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
