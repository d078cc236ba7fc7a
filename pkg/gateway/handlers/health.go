package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicegate/voicegate/pkg/gateway/config"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this process should receive new sessions.
// A draining process answers 503 so load balancers stop routing to it
// while existing sessions wind down.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		LiveSessions   int      `json:"live_sessions"`
		BillingEnabled bool     `json:"billing_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.CartesiaAPIKey == "" {
		issues = append(issues, "cartesia api key not configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "gemini api key not configured")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 {
		issues = append(issues, "max audio frame bytes must be > 0")
	}
	if h.Config.LiveSilenceCommitDuration <= 0 {
		issues = append(issues, "silence commit duration must be > 0")
	}
	if h.Config.LiveIdleTimeout <= 0 || h.Config.LiveMaxSessionDuration <= 0 {
		issues = append(issues, "session timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		LiveSessions:   h.Sessions.Count(),
		BillingEnabled: h.Config.StripeAPIKey != "",
		Issues:         issues,
	})
}
