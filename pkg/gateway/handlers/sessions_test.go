package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	coresession "github.com/voicegate/voicegate/pkg/core/session"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/gateway/apierror"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

type sessionsFixture struct {
	handler SessionsHandler
	store   store.Store
	ledger  *budget.MemoryLedger
	mux     *http.ServeMux
}

func newSessionsFixture(t *testing.T, limits budget.Limits) *sessionsFixture {
	t.Helper()

	st := store.NewMemory()
	ledger := budget.NewMemoryLedger(limits)
	h := SessionsHandler{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     st,
		Ledger:    ledger,
		Tracker:   sessions.NewTracker(),
		Lifecycle: &lifecycle.Lifecycle{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", h.Create)
	mux.HandleFunc("GET /v1/sessions", h.List)
	mux.HandleFunc("GET /v1/sessions/{id}", h.Get)
	mux.HandleFunc("PATCH /v1/sessions/{id}", h.Update)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", h.Pause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", h.Resume)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.Delete)

	return &sessionsFixture{handler: h, store: st, ledger: ledger, mux: mux}
}

func (f *sessionsFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, httptest.NewRequest(method, path, reader))
	return rr
}

func decodeRecord(t *testing.T, rr *httptest.ResponseRecorder) *coresession.Record {
	t.Helper()
	var rec coresession.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal record from %s: %v", rr.Body.String(), err)
	}
	return &rec
}

func decodeAPIError(t *testing.T, rr *httptest.ResponseRecorder) *apierror.Error {
	t.Helper()
	var env apierror.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal error from %s: %v", rr.Body.String(), err)
	}
	if env.Error == nil {
		t.Fatalf("no error in response %s", rr.Body.String())
	}
	return env.Error
}

func TestCreateSession(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{budget.DimensionTextTokens: 1000})

	rr := f.do(t, http.MethodPost, "/v1/sessions", `{"user_id":"u1","recording_consent":true,"metadata":{"app":"demo"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	rec := decodeRecord(t, rr)
	if !strings.HasPrefix(rec.ID, "sess_") {
		t.Fatalf("id = %q, want sess_ prefix", rec.ID)
	}
	if rec.State != coresession.StateConnecting {
		t.Fatalf("state = %q, want connecting", rec.State)
	}
	if rec.Mode != coresession.ModeAudio {
		t.Fatalf("mode = %q, want audio default", rec.Mode)
	}
	if !rec.RecordingConsent || rec.Metadata["app"] != "demo" {
		t.Fatalf("consent/metadata not round-tripped: %+v", rec)
	}
	if snap, ok := rec.BudgetRemaining[budget.DimensionTextTokens]; !ok || snap.Limit != 1000 {
		t.Fatalf("budget snapshot missing: %+v", rec.BudgetRemaining)
	}

	stored, err := f.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if stored.UserID != "u1" {
		t.Fatalf("stored user_id = %q", stored.UserID)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})

	tests := []struct {
		name      string
		body      string
		wantParam string
	}{
		{name: "missing user_id", body: `{}`, wantParam: "user_id"},
		{name: "blank user_id", body: `{"user_id":"  "}`, wantParam: "user_id"},
		{name: "bad mode", body: `{"user_id":"u1","mode":"video"}`, wantParam: "mode"},
		{name: "not json", body: `pcm`, wantParam: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/v1/sessions", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			apiErr := decodeAPIError(t, rr)
			if apiErr.Type != apierror.ErrInvalidRequest {
				t.Fatalf("type = %q, want invalid_request_error", apiErr.Type)
			}
			if apiErr.Param != tt.wantParam {
				t.Fatalf("param = %q, want %q", apiErr.Param, tt.wantParam)
			}
		})
	}
}

func TestCreateSessionDeniedWhenBudgetExhausted(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{budget.DimensionTextTokens: 10})
	if _, err := f.ledger.Reserve(context.Background(), "u1", budget.DimensionTextTokens, 10); err != nil {
		t.Fatalf("pre-burn: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/sessions", `{"user_id":"u1"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rr.Code, rr.Body.String())
	}
	apiErr := decodeAPIError(t, rr)
	if apiErr.Type != apierror.ErrBudget {
		t.Fatalf("type = %q, want budget_exceeded_error", apiErr.Type)
	}
}

func TestCreateSessionRefusedWhileDraining(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	f.handler.Lifecycle.SetDraining(true)

	rr := f.do(t, http.MethodPost, "/v1/sessions", `{"user_id":"u1"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	rr := f.do(t, http.MethodGet, "/v1/sessions/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if apiErr := decodeAPIError(t, rr); apiErr.Type != apierror.ErrNotFound {
		t.Fatalf("type = %q, want not_found_error", apiErr.Type)
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	seed := &coresession.Record{
		ID: "sess_live", UserID: "u1",
		State: coresession.StateLive, Mode: coresession.ModeAudio,
		StartedAt: time.Now(),
	}
	if err := f.store.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/sessions/sess_live/pause", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", rr.Code, rr.Body.String())
	}
	rec := decodeRecord(t, rr)
	if rec.State != coresession.StatePaused || rec.PausedAt == nil {
		t.Fatalf("after pause: state=%q paused_at=%v", rec.State, rec.PausedAt)
	}

	// Pausing a paused session is an idempotent no-op.
	rr = f.do(t, http.MethodPost, "/v1/sessions/sess_live/pause", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("second pause status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/v1/sessions/sess_live/resume", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", rr.Code, rr.Body.String())
	}
	rec = decodeRecord(t, rr)
	if rec.State != coresession.StateLive || rec.PausedAt != nil {
		t.Fatalf("after resume: state=%q paused_at=%v", rec.State, rec.PausedAt)
	}
}

func TestPauseEndedSessionConflicts(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	now := time.Now()
	seed := &coresession.Record{
		ID: "sess_done", UserID: "u1",
		State: coresession.StateEnded, Mode: coresession.ModeAudio,
		StartedAt: now, EndedAt: &now,
	}
	if err := f.store.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/v1/sessions/sess_done/pause", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rr.Code, rr.Body.String())
	}
	if apiErr := decodeAPIError(t, rr); apiErr.Type != apierror.ErrConflict {
		t.Fatalf("type = %q, want conflict_error", apiErr.Type)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	seed := &coresession.Record{
		ID: "sess_del", UserID: "u1",
		State: coresession.StateConnecting, Mode: coresession.ModeAudio,
		StartedAt: time.Now(),
	}
	if err := f.store.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodDelete, "/v1/sessions/sess_del", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rr.Code, rr.Body.String())
	}
	if _, err := f.store.Get(context.Background(), "sess_del"); err != store.ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}

	rr = f.do(t, http.MethodDelete, "/v1/sessions/sess_del", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d, want 404", rr.Code)
	}
}

func TestUpdateSessionMetadata(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	seed := &coresession.Record{
		ID: "sess_up", UserID: "u1",
		State: coresession.StateLive, Mode: coresession.ModeAudio,
		StartedAt: time.Now(),
		Metadata:  map[string]string{"app": "demo", "room": "lobby"},
	}
	if err := f.store.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPatch, "/v1/sessions/sess_up",
		`{"metadata":{"app":"prod","room":"","lang":"de"},"recording_consent":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	rec := decodeRecord(t, rr)
	if rec.Metadata["app"] != "prod" || rec.Metadata["lang"] != "de" {
		t.Fatalf("metadata not merged: %+v", rec.Metadata)
	}
	if _, ok := rec.Metadata["room"]; ok {
		t.Fatalf("empty value should delete the key: %+v", rec.Metadata)
	}
	if !rec.RecordingConsent {
		t.Fatalf("recording_consent not updated: %+v", rec)
	}

	// Omitting recording_consent leaves it alone.
	rr = f.do(t, http.MethodPatch, "/v1/sessions/sess_up", `{"metadata":{"lang":"fr"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("second patch status = %d: %s", rr.Code, rr.Body.String())
	}
	rec = decodeRecord(t, rr)
	if !rec.RecordingConsent || rec.Metadata["lang"] != "fr" {
		t.Fatalf("second patch: %+v", rec)
	}

	rr = f.do(t, http.MethodPatch, "/v1/sessions/missing", `{"metadata":{"a":"b"}}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestListSessionsFiltersByState(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	base := time.Now()
	states := []coresession.State{coresession.StateConnecting, coresession.StateLive, coresession.StateLive}
	for i, st := range states {
		rec := &coresession.Record{
			ID: "sess_" + string(rune('a'+i)), UserID: "u1",
			State: st, Mode: coresession.ModeAudio,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := f.store.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	rr := f.do(t, http.MethodGet, "/v1/sessions?user_id=u1&state=live", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp listSessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(resp.Sessions))
	}
	for _, rec := range resp.Sessions {
		if rec.State != coresession.StateLive {
			t.Fatalf("listed session in state %q", rec.State)
		}
	}

	rr = f.do(t, http.MethodGet, "/v1/sessions?state=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bogus state status = %d, want 400", rr.Code)
	}
	if apiErr := decodeAPIError(t, rr); apiErr.Param != "state" {
		t.Fatalf("param = %q, want state", apiErr.Param)
	}
}

func TestListSessionsFiltersByUser(t *testing.T) {
	f := newSessionsFixture(t, budget.Limits{})
	base := time.Now()
	for i, u := range []string{"u1", "u2", "u1"} {
		rec := &coresession.Record{
			ID: "sess_" + string(rune('a'+i)), UserID: u,
			State: coresession.StateConnecting, Mode: coresession.ModeAudio,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := f.store.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	rr := f.do(t, http.MethodGet, "/v1/sessions?user_id=u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp listSessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(resp.Sessions))
	}
	for _, rec := range resp.Sessions {
		if rec.UserID != "u1" {
			t.Fatalf("listed foreign session %+v", rec)
		}
	}

	rr = f.do(t, http.MethodGet, "/v1/sessions", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 3 {
		t.Fatalf("unfiltered sessions = %d, want 3", len(resp.Sessions))
	}
}
