package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	coresession "github.com/voicegate/voicegate/pkg/core/session"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/gateway/apierror"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
	"github.com/voicegate/voicegate/pkg/gateway/mw"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

const maxSessionBodyBytes = 64 * 1024

// SessionsHandler serves the REST surface for session lifecycle:
// create, inspect, list, pause, resume, and delete. The live audio
// socket attaches separately via LiveHandler.
type SessionsHandler struct {
	Logger    *slog.Logger
	Store     store.Store
	Ledger    budget.Ledger
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Now       func() time.Time
}

func (h SessionsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type createSessionRequest struct {
	UserID           string            `json:"user_id"`
	Mode             string            `json:"mode,omitempty"`
	RecordingConsent bool              `json:"recording_consent,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type listSessionsResponse struct {
	Sessions []*coresession.Record `json:"sessions"`
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrAPI, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "failed to read request body", RequestID: reqID}, http.StatusBadRequest)
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "invalid json body", RequestID: reqID}, http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "user_id is required", Param: "user_id", RequestID: reqID}, http.StatusBadRequest)
		return
	}
	mode := coresession.Mode(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = coresession.ModeAudio
	}
	if !mode.Valid() {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "unsupported mode", Param: "mode", RequestID: reqID}, http.StatusBadRequest)
		return
	}

	// Pre-flight the budget so a user with nothing left never gets a
	// session that pauses on its first utterance.
	remaining, err := h.Ledger.SnapshotAll(r.Context(), req.UserID)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	for _, snap := range remaining {
		if snap.Limit > 0 && snap.Used >= snap.Limit {
			writeError(w, reqID, &budget.ExceededError{UserID: req.UserID, Snapshot: snap})
			return
		}
	}

	rec := &coresession.Record{
		ID:               fmt.Sprintf("sess_%s", uuid.NewString()),
		UserID:           req.UserID,
		State:            coresession.StateConnecting,
		Mode:             mode,
		StartedAt:        h.now(),
		BudgetRemaining:  remaining,
		RecordingConsent: req.RecordingConsent,
		Metadata:         req.Metadata,
	}
	if err := h.Store.Create(r.Context(), rec); err != nil {
		writeError(w, reqID, err)
		return
	}

	h.Logger.Info("session created", "session_id", rec.ID, "user_id", rec.UserID, "mode", string(mode))
	writeJSON(w, http.StatusCreated, rec)
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	rec, err := h.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	filter := store.ListFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state := coresession.State(raw)
		if !state.Valid() {
			writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "unknown session state", Param: "state", RequestID: reqID}, http.StatusBadRequest)
			return
		}
		filter.State = state
	}

	recs, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	if recs == nil {
		recs = []*coresession.Record{}
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: recs})
}

type updateSessionRequest struct {
	Metadata         map[string]string `json:"metadata"`
	RecordingConsent *bool             `json:"recording_consent,omitempty"`
}

// Update patches mutable session fields. Metadata keys are merged; an
// empty value removes the key.
func (h SessionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxSessionBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "failed to read request body", RequestID: reqID}, http.StatusBadRequest)
		return
	}
	var req updateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "invalid json body", RequestID: reqID}, http.StatusBadRequest)
		return
	}

	rec, err := h.Store.Update(r.Context(), id, func(rec *coresession.Record) error {
		if len(req.Metadata) > 0 && rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		for k, v := range req.Metadata {
			if v == "" {
				delete(rec.Metadata, k)
				continue
			}
			rec.Metadata[k] = v
		}
		if req.RecordingConsent != nil {
			rec.RecordingConsent = *req.RecordingConsent
		}
		return nil
	})
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h SessionsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, coresession.StatePaused, "paused_by_api")
}

func (h SessionsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, coresession.StateLive, "resumed_by_api")
}

// transition applies a pause/resume edge through the store and nudges the
// live socket, if this process owns one, so the client hears about it.
func (h SessionsHandler) transition(w http.ResponseWriter, r *http.Request, target coresession.State, notice string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	now := h.now()
	rec, err := h.Store.Update(r.Context(), id, func(rec *coresession.Record) error {
		_, changed, terr := coresession.NewMachine(rec.State).Request(target)
		if terr != nil {
			return terr
		}
		if !changed {
			return nil
		}
		rec.State = target
		switch target {
		case coresession.StatePaused:
			rec.PausedAt = &now
		case coresession.StateLive:
			rec.PausedAt = nil
		}
		return nil
	})
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	if handle, ok := h.Tracker.Lookup(id); ok && handle.Warn != nil {
		_ = handle.Warn(notice, "session state changed via api")
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	// Kill the live socket first; its teardown records final counters.
	if handle, ok := h.Tracker.Lookup(id); ok && handle.Cancel != nil {
		handle.Cancel()
	}

	now := h.now()
	_, err := h.Store.Update(r.Context(), id, func(rec *coresession.Record) error {
		if rec.State == coresession.StateEnded {
			return nil
		}
		if _, _, terr := coresession.NewMachine(rec.State).Request(coresession.StateEnded); terr != nil {
			return terr
		}
		rec.State = coresession.StateEnded
		rec.EndedAt = &now
		return nil
	})
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	if err := h.Store.Delete(r.Context(), id); err != nil {
		writeError(w, reqID, err)
		return
	}
	h.Logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}
