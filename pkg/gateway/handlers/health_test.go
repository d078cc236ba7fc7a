package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicegate/voicegate/pkg/gateway/config"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
)

func validConfig() config.Config {
	return config.Config{
		CartesiaAPIKey:            "ck",
		GeminiAPIKey:              "gk",
		LiveMaxAudioFrameBytes:    8192,
		LiveSilenceCommitDuration: 600 * time.Millisecond,
		LiveIdleTimeout:           2 * time.Minute,
		LiveMaxSessionDuration:    2 * time.Hour,
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body = %q, want ok", rr.Body.String())
	}
}

func TestReadyHandlerOK(t *testing.T) {
	h := ReadyHandler{
		Config:    validConfig(),
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  sessions.NewTracker(),
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.Draining {
		t.Fatalf("resp = %+v, want ok and not draining", resp)
	}
}

func TestReadyHandlerDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	h := ReadyHandler{Config: validConfig(), Lifecycle: lc, Sessions: sessions.NewTracker()}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var resp struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK || !resp.Draining {
		t.Fatalf("resp = %+v, want draining and not ok", resp)
	}
}

func TestReadyHandlerReportsConfigIssues(t *testing.T) {
	cfg := validConfig()
	cfg.CartesiaAPIKey = ""

	h := ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}, Sessions: sessions.NewTracker()}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var resp struct {
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Issues) == 0 {
		t.Fatalf("issues empty, want the missing key reported")
	}
}
