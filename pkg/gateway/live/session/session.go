// Package session runs one live conversation over a WebSocket: inbound
// audio is transcribed, committed utterances drive a response cycle
// (language model -> sentence batching -> synthesis), and synthesized
// audio streams back until the client barges in or the budget runs out.
//
// All per-session state is owned by the single Run goroutine. Connectors
// and the client feed it through channels; nothing else mutates it.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	coresession "github.com/voicegate/voicegate/pkg/core/session"

	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/pipeline"
	"github.com/voicegate/voicegate/pkg/core/voice"
	"github.com/voicegate/voicegate/pkg/core/voice/llm"
	"github.com/voicegate/voicegate/pkg/core/voice/stt"
	"github.com/voicegate/voicegate/pkg/core/voice/tts"
	"github.com/voicegate/voicegate/pkg/gateway/live/protocol"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

// maxConsecutiveProviderErrors forces the session into PAUSED once this
// many response cycles fail back to back.
const maxConsecutiveProviderErrors = 3

var errBackpressure = errors.New("outbound queue full")

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	SilenceCommit          time.Duration
	IdleTimeout            time.Duration
	MaxSessionDuration     time.Duration
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	SentenceMinRunes       int
	ProviderRetries        int
	ProviderRetryBase      time.Duration
	OutboundQueueSize      int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	STT       stt.Connector
	TTS       tts.Connector
	LLM       llm.Connector
	Ledger    budget.Ledger
	Store     store.Store
	Record    *coresession.Record
	STTConfig stt.Config
	TTSConfig tts.Config
	Config    Config
	Now       func() time.Time
}

type LiveSession struct {
	conn   *websocket.Conn
	logger *slog.Logger
	sttc   stt.Connector
	ttsc   tts.Connector
	llmc   llm.Connector
	ledger budget.Ledger
	store  store.Store
	rec    *coresession.Record
	sttCfg stt.Config
	ttsCfg tts.Config
	cfg    Config
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledCycles atomic.Value // canceledCycleState
	cycleCounter   atomic.Int64
}

type canceledCycleState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type cycleResult struct {
	cycleID      string
	responseText string
	tokens       float64 // actual spend, estimated from the response text
	reserved     float64 // reservation taken at cycle start
	generated    bool    // the model finished the response text
	completed    bool    // generation and synthesis both ran to the end
	canceled     bool
	err          error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil || deps.TTS == nil || deps.LLM == nil {
		return nil, fmt.Errorf("stt, tts and llm connectors are required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("budget ledger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Record == nil {
		return nil, fmt.Errorf("session record is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	queueSize := deps.Config.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           logger.With("session_id", deps.Record.ID),
		sttc:             deps.STT,
		ttsc:             deps.TTS,
		llmc:             deps.LLM,
		ledger:           deps.Ledger,
		store:            deps.Store,
		rec:              deps.Record,
		sttCfg:           deps.STTConfig,
		ttsCfg:           deps.TTSConfig,
		cfg:              deps.Config,
		now:              now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 16),
		outboundNormal:   make(chan outboundFrame, queueSize),
	}
	s.canceledCycles.Store(canceledCycleState{set: map[string]struct{}{}})
	return s, nil
}

// Cancel aborts the session from outside, e.g. during shutdown.
func (s *LiveSession) Cancel() {
	if s == nil {
		return
	}
	s.cancel()
}

// SendWarning pushes a priority error frame without closing the session.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.NewServerError(code, message, "", false))
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	// The read limit must sit above the audio frame cap so oversized
	// frames surface as a structured error instead of a dead socket.
	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(max(s.cfg.MaxJSONMessageBytes, int64(s.cfg.MaxAudioFrameBytes)*2))
	}

	sttStream, err := s.sttc.Open(s.ctx, s.sttCfg)
	if err != nil {
		_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "failed to initialize transcription", "", true))
		return fmt.Errorf("open stt: %w", err)
	}
	defer func() { _ = sttStream.Close() }()

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: s.isCycleCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	// reopenSTT replaces a failed transcription stream in place. The select
	// loop reads sttStream.Events() fresh on every iteration, so swapping
	// the variable is enough to switch over.
	reopenSTT := func() error {
		_ = sttStream.Close()
		var next stt.Stream
		err := retry.Do(s.ctx, retry.WithMaxRetries(uint64(s.cfg.ProviderRetries), retry.NewExponential(s.retryBase())), func(ctx context.Context) error {
			opened, openErr := s.sttc.Open(ctx, s.sttCfg)
			if openErr != nil {
				return retry.RetryableError(openErr)
			}
			next = opened
			return nil
		})
		if err != nil {
			return fmt.Errorf("reopen stt: %w", err)
		}
		sttStream = next
		return nil
	}

	machine := coresession.NewMachine(s.rec.State)
	cycleDoneCh := make(chan cycleResult, 4)

	var wg sync.WaitGroup
	defer func() {
		s.cancel()
		wg.Wait()
	}()

	var (
		history           []llm.Turn
		currentText       string
		lastCommitted     string
		utteranceCounter  int64
		currentUtterID    string
		pendingAudioBytes int64
		framesProcessed   int64
		audioMinutesUsed  float64

		activeCycleID    string
		cycleCancel      context.CancelFunc
		cycleInterrupted bool

		consecutiveErrors int
		sttErrors         int
		warned            = map[budget.Dimension]bool{}
		lastSnaps         = map[budget.Dimension]budget.Snapshot{}

		silenceTimer  *time.Timer
		silenceActive bool
		idleTimer     *time.Timer
		idleActive    bool
	)

	// A reconnecting client resumes mid-conversation; rebuild the model
	// history from the confirmed transcript.
	for _, u := range s.rec.TranscriptFinal {
		role := llm.RoleUser
		if u.Role == "assistant" {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Turn{Role: role, Text: u.Text})
	}

	stopTimer := func(t **time.Timer, active *bool) {
		if *t == nil {
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		*active = false
	}
	resetTimer := func(t **time.Timer, active *bool, d time.Duration) {
		if d <= 0 {
			return
		}
		if *t == nil {
			*t = time.NewTimer(d)
			*active = true
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		(*t).Reset(d)
		*active = true
	}
	timerCh := func(t *time.Timer, active bool) <-chan time.Time {
		if !active || t == nil {
			return nil
		}
		return t.C
	}
	defer func() {
		if silenceTimer != nil {
			silenceTimer.Stop()
		}
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	nextUtteranceID := func() string {
		utteranceCounter++
		return fmt.Sprintf("u_%d", utteranceCounter)
	}

	persist := func(mutate func(rec *coresession.Record)) {
		ctx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelPersist()
		_, err := s.store.Update(ctx, s.rec.ID, func(rec *coresession.Record) error {
			mutate(rec)
			return nil
		})
		if err != nil {
			s.logger.Error("persist session state failed", "error", err)
		}
	}

	applyState := func(target coresession.State) error {
		_, changed, err := machine.Apply(target, func(from, to coresession.State) error {
			ctx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPersist()
			_, uerr := s.store.Update(ctx, s.rec.ID, func(rec *coresession.Record) error {
				if _, _, terr := coresession.NewMachine(rec.State).Request(to); terr != nil {
					return terr
				}
				rec.State = to
				now := s.now()
				switch to {
				case coresession.StatePaused:
					rec.PausedAt = &now
				case coresession.StateLive:
					rec.PausedAt = nil
				case coresession.StateEnded:
					rec.EndedAt = &now
				}
				return nil
			})
			return uerr
		})
		if err != nil {
			return err
		}
		if changed {
			s.logger.Info("session state changed", "state", string(target))
		}
		return nil
	}

	// The socket is open and the pipeline is ready: go LIVE and ack.
	if err := applyState(coresession.StateLive); err != nil {
		_ = s.sendJSONPriority(protocol.NewServerError("conflict", "session cannot go live", "", true))
		return flushAndClose()
	}
	ready := protocol.NewServerReady(
		s.rec.ID,
		protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: s.sttCfg.SampleRate, Channels: 1},
		protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: s.ttsCfg.SampleRate, Channels: 1},
		&protocol.ServerLimits{
			MaxAudioFrameBytes:  s.cfg.MaxAudioFrameBytes,
			MaxAudioFPS:         s.cfg.MaxAudioFPS,
			MaxAudioBPS:         s.cfg.MaxAudioBytesPerSecond,
			InboundBurstSeconds: s.cfg.InboundBurstSeconds,
			SilenceCommitMS:     int(s.cfg.SilenceCommit / time.Millisecond),
		},
	)
	if err := s.sendJSONPriority(ready); err != nil {
		return err
	}
	resetTimer(&idleTimer, &idleActive, s.cfg.IdleTimeout)

	defer func() {
		// Whatever ends the loop, the session is over. Record the final
		// counters before the ENDED edge so they land in the same row.
		persist(func(rec *coresession.Record) {
			rec.FramesProcessed = framesProcessed
			rec.AudioMinutesUsed = audioMinutesUsed
			if len(lastSnaps) > 0 {
				if rec.BudgetRemaining == nil {
					rec.BudgetRemaining = map[budget.Dimension]budget.Snapshot{}
				}
				for dim, snap := range lastSnaps {
					rec.BudgetRemaining[dim] = snap
				}
			}
		})
		_ = applyState(coresession.StateEnded)
	}()

	interrupt := func(reason string) {
		if activeCycleID == "" {
			return
		}
		s.cancelCycleAudio(activeCycleID)
		if cycleCancel != nil {
			cycleCancel()
			cycleCancel = nil
		}
		cycleInterrupted = true
		s.logger.Info("response cycle interrupted", "cycle_id", activeCycleID, "reason", reason)
		activeCycleID = ""
	}

	// warnIfNeeded fires the once-per-dimension budget warning after a
	// successful reservation crosses the threshold.
	warnIfNeeded := func(snap budget.Snapshot) error {
		lastSnaps[snap.Dimension] = snap
		if warned[snap.Dimension] || snap.Limit <= 0 {
			return nil
		}
		if snap.Utilization() < budget.WarnUtilization {
			return nil
		}
		warned[snap.Dimension] = true
		return s.sendJSONPriority(protocol.NewServerBudgetWarning(string(snap.Dimension), snap.Used, snap.Limit))
	}

	pauseForBudget := func(exceeded *budget.ExceededError) error {
		snap := exceeded.Snapshot
		if err := s.sendJSONPriority(protocol.NewServerBudgetWarning(string(snap.Dimension), snap.Used, snap.Limit)); err != nil {
			return err
		}
		interrupt("budget_exceeded")
		if err := applyState(coresession.StatePaused); err != nil {
			return err
		}
		return s.sendJSONPriority(protocol.NewServerSessionPaused("budget_exceeded"))
	}

	startCycle := func(userText string) error {
		estimate := estimateTokens(userText)
		snap, err := s.ledger.Reserve(s.ctx, s.rec.UserID, budget.DimensionTextTokens, estimate)
		if err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return pauseForBudget(exceeded)
			}
			s.logger.Error("token reservation failed", "error", err)
			return s.sendJSONPriority(protocol.NewServerError("api_error", "budget check failed", "", false))
		}
		if err := warnIfNeeded(snap); err != nil {
			return err
		}

		history = append(history, llm.Turn{Role: llm.RoleUser, Text: userText})
		historyCopy := make([]llm.Turn, len(history))
		copy(historyCopy, history)

		cycleID := s.nextCycleID()
		cycleCtx, cancel := context.WithCancel(s.ctx)
		cycleCancel = cancel
		activeCycleID = cycleID
		cycleInterrupted = false

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.runCycle(cycleCtx, cycleID, historyCopy, estimate)
			select {
			case cycleDoneCh <- res:
			case <-s.ctx.Done():
			}
		}()
		return nil
	}

	commitUtterance := func() error {
		stopTimer(&silenceTimer, &silenceActive)
		text := normalizeSpace(currentText)
		currentText = ""
		if text == "" || text == lastCommitted {
			return nil
		}
		lastCommitted = text

		// Charge the audio that produced this utterance.
		minutes := pcmMinutes(pendingAudioBytes, s.sttCfg.SampleRate)
		pendingAudioBytes = 0
		if minutes > 0 {
			snap, err := s.ledger.Reserve(s.ctx, s.rec.UserID, budget.DimensionAudioMinutes, minutes)
			if err != nil {
				var exceeded *budget.ExceededError
				if errors.As(err, &exceeded) {
					return pauseForBudget(exceeded)
				}
				s.logger.Error("audio reservation failed", "error", err)
			} else {
				audioMinutesUsed += minutes
				if _, err := s.ledger.Commit(s.ctx, s.rec.UserID, budget.DimensionAudioMinutes, minutes); err != nil {
					s.logger.Error("audio commit failed", "error", err)
				}
				if err := warnIfNeeded(snap); err != nil {
					return err
				}
			}
		}

		offset := s.now().Sub(s.rec.StartedAt)
		persist(func(rec *coresession.Record) {
			rec.AppendFinal(coresession.Utterance{Role: "user", Text: text, Timestamp: offset})
			rec.FramesProcessed = framesProcessed
			rec.AudioMinutesUsed = audioMinutesUsed
		})
		currentUtterID = ""

		interrupt("new_utterance")
		return startCycle(text)
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err := <-writerErrCh:
			return err

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			resetTimer(&idleTimer, &idleActive, s.cfg.IdleTimeout)

			switch frame.messageType {
			case websocket.BinaryMessage:
				if machine.State() != coresession.StateLive {
					continue // paused sessions drop audio instead of buffering it
				}
				if len(frame.data) > s.cfg.MaxAudioFrameBytes {
					_ = s.sendJSONPriority(protocol.NewServerError("bad_request", "audio frame exceeds max size", "", true))
					return flushAndClose()
				}
				if !limiter.Allow(len(frame.data)) {
					_ = s.sendJSONPriority(protocol.NewServerError("rate_limited", "inbound audio rate limit exceeded", "", true))
					return flushAndClose()
				}
				if err := sttStream.SendAudio(frame.data); err != nil {
					_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "failed to forward audio frame", "", true))
					return fmt.Errorf("forward audio: %w", err)
				}
				framesProcessed++
				pendingAudioBytes += int64(len(frame.data))

			case websocket.TextMessage:
				msg, decErr := protocol.DecodeClientMessage(frame.data)
				if decErr != nil {
					code := "bad_request"
					var de *protocol.DecodeError
					if errors.As(decErr, &de) {
						code = de.Code
					}
					_ = s.sendJSONPriority(protocol.NewServerError(code, decErr.Error(), "", true))
					return flushAndClose()
				}
				switch msg.(type) {
				case protocol.ClientPause:
					interrupt("client_pause")
					stopTimer(&silenceTimer, &silenceActive)
					if err := applyState(coresession.StatePaused); err != nil {
						_ = s.sendJSONPriority(protocol.NewServerError("conflict", err.Error(), "", false))
						continue
					}
					if err := s.sendJSONPriority(protocol.NewServerSessionPaused("client_request")); err != nil {
						return err
					}
				case protocol.ClientResume:
					if err := applyState(coresession.StateLive); err != nil {
						_ = s.sendJSONPriority(protocol.NewServerError("conflict", err.Error(), "", false))
						continue
					}
					if err := s.sendJSONPriority(ready); err != nil {
						return err
					}
				case protocol.ClientClose:
					return nil
				}
			}

		case ev, ok := <-sttStream.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case pipeline.PartialTranscript:
				sttErrors = 0
				text := normalizeSpace(e.Text)
				if text == "" {
					continue
				}
				if currentUtterID == "" {
					currentUtterID = nextUtteranceID()
				}
				if err := s.sendJSON(protocol.NewServerTranscript(currentUtterID, text, false, e.Timestamp.Milliseconds())); err != nil {
					return err
				}
				if isMeaningfulSpeech(text, currentText) {
					currentText = text
					if shouldBargeIn(text, lastCommitted, activeCycleID != "") {
						interrupt("barge_in")
					}
					resetTimer(&silenceTimer, &silenceActive, s.cfg.SilenceCommit)
				}
				resetTimer(&idleTimer, &idleActive, s.cfg.IdleTimeout)

			case pipeline.FinalTranscript:
				sttErrors = 0
				text := normalizeSpace(e.Text)
				if text == "" {
					continue
				}
				if currentUtterID == "" {
					currentUtterID = nextUtteranceID()
				}
				if err := s.sendJSON(protocol.NewServerTranscript(currentUtterID, text, true, e.Timestamp.Milliseconds())); err != nil {
					return err
				}
				currentText = text
				if machine.State() == coresession.StateLive {
					if err := commitUtterance(); err != nil {
						return err
					}
				}
				resetTimer(&idleTimer, &idleActive, s.cfg.IdleTimeout)

			case *pipeline.ProviderError:
				sttErrors++
				s.logger.Error("transcription error", "consecutive", sttErrors, "error", e.Err)
				_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "transcription failed", "", false))
				if sttErrors >= maxConsecutiveProviderErrors {
					if err := applyState(coresession.StatePaused); err != nil {
						return err
					}
					if err := s.sendJSONPriority(protocol.NewServerSessionPaused("provider_errors")); err != nil {
						return err
					}
				}
				if err := reopenSTT(); err != nil {
					_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "transcription unavailable", "", true))
					return flushAndClose()
				}

			case pipeline.Closed:
				if s.ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("transcription stream closed, reopening")
				if err := reopenSTT(); err != nil {
					_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "transcription unavailable", "", true))
					return flushAndClose()
				}
			}

		case <-timerCh(silenceTimer, silenceActive):
			silenceActive = false
			if machine.State() != coresession.StateLive {
				continue
			}
			_ = sttStream.Commit()
			if err := commitUtterance(); err != nil {
				return err
			}

		case res := <-cycleDoneCh:
			if res.cycleID != activeCycleID && !res.canceled {
				// A stale cycle finishing after an interrupt; settle its
				// budget but change no session state.
				s.settleTokens(res)
				continue
			}
			if res.cycleID == activeCycleID {
				activeCycleID = ""
				cycleCancel = nil
			}
			s.settleTokens(res)

			if res.err != nil && !res.canceled && !cycleInterrupted {
				consecutiveErrors++
				s.logger.Error("response cycle failed", "cycle_id", res.cycleID, "consecutive", consecutiveErrors, "error", res.err)
				_ = s.sendJSONPriority(protocol.NewServerError("provider_error", "response generation failed", "", false))
				if consecutiveErrors >= maxConsecutiveProviderErrors {
					if err := applyState(coresession.StatePaused); err != nil {
						return err
					}
					if err := s.sendJSONPriority(protocol.NewServerSessionPaused("provider_errors")); err != nil {
						return err
					}
				}
				continue
			}
			if res.completed {
				consecutiveErrors = 0
			}
			// A barge-in that lands after the model already finished only
			// cancels the synthesis; the generated text stays in the
			// conversation and the transcript.
			if (res.completed || res.generated) && res.responseText != "" {
				history = append(history, llm.Turn{Role: llm.RoleAssistant, Text: res.responseText})
				offset := s.now().Sub(s.rec.StartedAt)
				persist(func(rec *coresession.Record) {
					rec.AppendFinal(coresession.Utterance{Role: "assistant", Text: res.responseText, Timestamp: offset})
				})
			}

		case <-timerCh(idleTimer, idleActive):
			idleActive = false
			_ = s.sendJSONPriority(protocol.NewServerError("idle_timeout", "no activity, closing session", "", true))
			return flushAndClose()

		case <-sessionTimerCh():
			_ = s.sendJSONPriority(protocol.NewServerError("session_timeout", "maximum session duration reached", "", true))
			return flushAndClose()
		}
	}
}

// runCycle executes one response cycle: stream tokens from the language
// model, batch them into sentences, and synthesize each sentence as soon
// as it completes. Audio flows straight to the outbound queue tagged with
// the cycle ID so a barge-in can drop whatever has not been written yet.
func (s *LiveSession) runCycle(ctx context.Context, cycleID string, history []llm.Turn, tokenEstimate float64) cycleResult {
	res := cycleResult{cycleID: cycleID, reserved: tokenEstimate}

	var llmStream llm.Stream
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(s.cfg.ProviderRetries), retry.NewExponential(s.retryBase())), func(ctx context.Context) error {
		var openErr error
		llmStream, openErr = s.llmc.Generate(ctx, history)
		if openErr != nil {
			return retry.RetryableError(openErr)
		}
		return nil
	})
	if err != nil {
		res.err = fmt.Errorf("open response stream: %w", err)
		res.canceled = ctx.Err() != nil
		return res
	}
	defer llmStream.Close()

	ttsStream, err := s.ttsc.Open(ctx, s.ttsCfg)
	if err != nil {
		res.err = fmt.Errorf("open synthesis stream: %w", err)
		res.canceled = ctx.Err() != nil
		return res
	}
	defer ttsStream.Close()

	// Pump tokens into the synthesizer as sentences complete.
	type pumpResult struct {
		text      string
		generated bool
		err       error
	}
	pumpCh := make(chan pumpResult, 1)
	go func() {
		buf := voice.NewSentenceBuffer(s.cfg.SentenceMinRunes)
		var full []byte
		var pumpErr error
		var generated, sentFinal bool
	pump:
		for {
			select {
			case <-ctx.Done():
				pumpErr = ctx.Err()
				break pump
			case ev, ok := <-llmStream.Events():
				if !ok {
					break pump
				}
				switch e := ev.(type) {
				case pipeline.ResponseToken:
					full = append(full, e.Text...)
					for _, sentence := range buf.Add(e.Text) {
						if err := ttsStream.SendText(sentence, false); err != nil {
							pumpErr = fmt.Errorf("send sentence: %w", err)
							break pump
						}
					}
				case pipeline.ResponseDone:
					generated = true
					if err := ttsStream.SendText(buf.Flush(), true); err != nil {
						pumpErr = fmt.Errorf("send final sentence: %w", err)
					} else {
						sentFinal = true
					}
					break pump
				case *pipeline.ProviderError:
					pumpErr = e
					break pump
				case pipeline.Closed:
					break pump
				}
			}
		}
		if !sentFinal {
			// Nothing will ever finish the synthesis stream; tear it down
			// so the drain loop below unblocks.
			_ = ttsStream.Close()
		}
		pumpCh <- pumpResult{text: string(full), generated: generated, err: pumpErr}
	}()

	var seq int64
	var done bool
drain:
	for {
		select {
		case <-ctx.Done():
			res.canceled = true
			break drain
		case ev, ok := <-ttsStream.Events():
			if !ok {
				break drain
			}
			switch e := ev.(type) {
			case pipeline.SynthesisFrame:
				seq++
				chunk := protocol.NewServerAudioChunk(cycleID, seq, base64.StdEncoding.EncodeToString(e.Data), false)
				if err := s.enqueueCycleAudio(cycleID, chunk); err != nil {
					res.err = err
					break drain
				}
			case pipeline.SynthesisDone:
				seq++
				final := protocol.NewServerAudioChunk(cycleID, seq, "", true)
				if err := s.enqueueCycleAudio(cycleID, final); err != nil {
					res.err = err
				}
				done = true
			case *pipeline.ProviderError:
				res.err = e
			case pipeline.Closed:
				break drain
			}
		}
	}

	pr := <-pumpCh
	res.responseText = pr.text
	res.generated = pr.generated
	if pr.err != nil && res.err == nil {
		if errors.Is(pr.err, context.Canceled) {
			res.canceled = true
		} else {
			res.err = pr.err
		}
	}
	if ctx.Err() != nil {
		res.canceled = true
	}
	res.completed = done && res.err == nil && !res.canceled
	res.tokens = estimateTokens(res.responseText)
	return res
}

// settleTokens reconciles the up-front reservation with actual usage and
// reports the committed amount for metering.
func (s *LiveSession) settleTokens(res cycleResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	actual := res.tokens
	switch {
	case actual < res.reserved:
		if _, err := s.ledger.Release(ctx, s.rec.UserID, budget.DimensionTextTokens, res.reserved-actual); err != nil {
			s.logger.Error("token release failed", "error", err)
		}
	case actual > res.reserved:
		if _, err := s.ledger.Reserve(ctx, s.rec.UserID, budget.DimensionTextTokens, actual-res.reserved); err != nil {
			// Over-running the limit on an already generated response is
			// tolerated; the next reservation will be denied.
			s.logger.Warn("token top-up denied", "error", err)
		}
	}
	if actual > 0 {
		if _, err := s.ledger.Commit(ctx, s.rec.UserID, budget.DimensionTextTokens, actual); err != nil {
			s.logger.Error("token commit failed", "error", err)
		}
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		frame := inboundFrame{messageType: messageType, data: data, err: err}
		select {
		case out <- frame:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *LiveSession) nextCycleID() string {
	return fmt.Sprintf("c_%d", s.cycleCounter.Add(1))
}

// cancelCycleAudio marks a cycle so the writer drops its queued audio. At
// most one chunk can still slip out: the frame the writer had already
// dequeued before the mark landed.
func (s *LiveSession) cancelCycleAudio(cycleID string) {
	if cycleID == "" {
		return
	}
	const maxTracked = 32
	old, _ := s.canceledCycles.Load().(canceledCycleState)
	set := make(map[string]struct{}, len(old.set)+1)
	for id := range old.set {
		set[id] = struct{}{}
	}
	order := append(append([]string{}, old.order...), cycleID)
	set[cycleID] = struct{}{}
	for len(order) > maxTracked {
		delete(set, order[0])
		order = order[1:]
	}
	s.canceledCycles.Store(canceledCycleState{set: set, order: order})
}

func (s *LiveSession) isCycleCanceled(cycleID string) bool {
	state, _ := s.canceledCycles.Load().(canceledCycleState)
	if state.set == nil {
		return false
	}
	_, ok := state.set[cycleID]
	return ok
}

func (s *LiveSession) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: data})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- outboundFrame{textPayload: data}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *LiveSession) enqueueCycleAudio(cycleID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{isCycleAudio: true, cycleID: cycleID, textPayload: data})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	wait := s.cfg.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(wait):
		return errBackpressure
	}
}

func (s *LiveSession) retryBase() time.Duration {
	if s.cfg.ProviderRetryBase > 0 {
		return s.cfg.ProviderRetryBase
	}
	return 250 * time.Millisecond
}

// estimateTokens is a coarse chars/4 heuristic, padded so short prompts
// still reserve something meaningful.
func estimateTokens(text string) float64 {
	n := float64(len(text))/4 + 16
	return n
}

// pcmMinutes converts raw pcm_s16le mono byte counts into minutes.
func pcmMinutes(bytes int64, sampleRate int) float64 {
	if bytes <= 0 || sampleRate <= 0 {
		return 0
	}
	seconds := float64(bytes) / float64(sampleRate*2)
	return seconds / 60
}
