package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	coresession "github.com/voicegate/voicegate/pkg/core/session"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/voice/llm"
	"github.com/voicegate/voicegate/pkg/core/voice/stt"
	"github.com/voicegate/voicegate/pkg/core/voice/tts"
	"github.com/voicegate/voicegate/pkg/gateway/apierror"
	"github.com/voicegate/voicegate/pkg/gateway/config"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/session"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
	"github.com/voicegate/voicegate/pkg/gateway/mw"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

// LiveHandler attaches the audio WebSocket to an existing session
// (GET /v1/sessions/{id}/live) and runs its pipeline until the socket
// closes.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Ledger    budget.Ledger
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle

	STT stt.Connector
	TTS tts.Connector
	LLM llm.Connector
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrAPI, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	rec, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	switch rec.State {
	case coresession.StateConnecting, coresession.StatePaused:
	default:
		writeError(w, reqID, &coresession.InvalidTransitionError{From: rec.State, To: coresession.StateLive})
		return
	}
	if _, active := h.Tracker.Lookup(id); active {
		writeErrorJSON(w, &apierror.Error{Type: apierror.ErrConflict, Message: "session already has a live connection", Code: "already_connected", RequestID: reqID}, http.StatusConflict)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ls, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		STT:       h.STT,
		TTS:       h.TTS,
		LLM:       h.LLM,
		Ledger:    h.Ledger,
		Store:     h.Store,
		Record:    rec,
		STTConfig: h.sttConfig(),
		TTSConfig: h.ttsConfig(),
		Config:    h.sessionConfig(),
	})
	if err != nil {
		h.Logger.Error("live session setup failed", "session_id", id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "setup failed"),
			time.Now().Add(time.Second))
		return
	}

	unregister := h.Tracker.Register(id, sessions.Handle{
		UserID: rec.UserID,
		Cancel: ls.Cancel,
		Warn:   ls.SendWarning,
	})
	defer unregister()

	if err := ls.Run(); err != nil {
		h.Logger.Error("live session ended with error", "session_id", id, "error", err)
	}
}

func (h LiveHandler) sttConfig() stt.Config {
	return stt.Config{
		Model:      h.Config.STTModel,
		Language:   "en",
		Encoding:   "pcm_s16le",
		SampleRate: 16000,
	}
}

func (h LiveHandler) ttsConfig() tts.Config {
	return tts.Config{
		Model:      h.Config.TTSModel,
		Voice:      h.Config.TTSVoice,
		SampleRate: 24000,
	}
}

func (h LiveHandler) sessionConfig() session.Config {
	return session.Config{
		MaxAudioFrameBytes:     h.Config.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
		MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		SilenceCommit:          h.Config.LiveSilenceCommitDuration,
		IdleTimeout:            h.Config.LiveIdleTimeout,
		MaxSessionDuration:     h.Config.LiveMaxSessionDuration,
		PingInterval:           h.Config.LiveWSPingInterval,
		WriteTimeout:           h.Config.LiveWSWriteTimeout,
		SentenceMinRunes:       h.Config.SentenceMinRunes,
		ProviderRetries:        h.Config.ProviderRetries,
		ProviderRetryBase:      h.Config.ProviderRetryBase,
	}
}
