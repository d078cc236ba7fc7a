package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/voicegate/voicegate/internal/dotenv"
	"github.com/voicegate/voicegate/pkg/core/budget"
	"github.com/voicegate/voicegate/pkg/core/voice/llm"
	"github.com/voicegate/voicegate/pkg/core/voice/stt"
	"github.com/voicegate/voicegate/pkg/core/voice/tts"
	"github.com/voicegate/voicegate/pkg/gateway/billing"
	"github.com/voicegate/voicegate/pkg/gateway/config"
	"github.com/voicegate/voicegate/pkg/gateway/lifecycle"
	"github.com/voicegate/voicegate/pkg/gateway/live/sessions"
	gatewayserver "github.com/voicegate/voicegate/pkg/gateway/server"
	"github.com/voicegate/voicegate/pkg/gateway/store"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildStore returns the Postgres session store when a DSN is
// configured, running migrations first, and the in-memory store
// otherwise.
func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Info("session store", "backend", "memory")
		return store.NewMemory(), func() {}, nil
	}

	if err := store.Migrate(cfg.PostgresDSN); err != nil {
		return nil, nil, fmt.Errorf("migrate session store: %w", err)
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect session store: %w", err)
	}
	logger.Info("session store", "backend", "postgres")
	return pg, pg.Close, nil
}

// buildLedger returns the Redis budget ledger when a URL is configured
// and the in-memory ledger otherwise. The reporter, when non-nil,
// receives committed usage for metering.
func buildLedger(cfg config.Config, reporter budget.Reporter, logger *slog.Logger) (budget.Ledger, func() error, error) {
	limits := cfg.BudgetLimits()

	if cfg.RedisURL == "" {
		logger.Info("budget ledger", "backend", "memory")
		var opts []budget.Option
		if reporter != nil {
			opts = append(opts, budget.WithReporter(reporter))
		}
		return budget.NewMemoryLedger(limits, opts...), func() error { return nil }, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	var opts []budget.RedisOption
	if reporter != nil {
		opts = append(opts, budget.WithRedisReporter(reporter))
	}
	logger.Info("budget ledger", "backend", "redis")
	return budget.NewRedisLedger(client, limits, opts...), client.Close, nil
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessionStore, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var reporter *billing.StripeReporter
	if cfg.StripeAPIKey != "" {
		meters := map[budget.Dimension]string{
			budget.DimensionAudioMinutes: cfg.StripeMeterAudio,
			budget.DimensionTextTokens:   cfg.StripeMeterText,
		}
		reporter = billing.NewStripeReporter(cfg.StripeAPIKey, meters, logger)
		defer reporter.Close()
		logger.Info("usage metering enabled", "meters", len(meters))
	}

	var budgetReporter budget.Reporter
	if reporter != nil {
		budgetReporter = reporter
	}
	ledger, closeLedger, err := buildLedger(cfg, budgetReporter, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logger.Warn("close ledger", "error", err)
		}
	}()

	llmConn, err := llm.NewGemini(ctx, cfg.GeminiAPIKey,
		llm.WithModel(cfg.LLMModel),
		llm.WithSystemPrompt(cfg.SystemPrompt),
	)
	if err != nil {
		return fmt.Errorf("init llm connector: %w", err)
	}

	tracker := sessions.NewTracker()
	lc := &lifecycle.Lifecycle{}

	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Store:     sessionStore,
		Ledger:    ledger,
		Tracker:   tracker,
		Lifecycle: lc,
		STT:       stt.NewCartesia(cfg.CartesiaAPIKey),
		TTS:       tts.NewCartesia(cfg.CartesiaAPIKey),
		LLM:       llmConn,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"stt_model", cfg.STTModel,
		"llm_model", cfg.LLMModel,
		"tts_model", cfg.TTSModel,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	tracker.WarnAll("server_draining", "server is shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		logger.Warn("live sessions did not drain in time, canceling", "remaining", tracker.Count())
		tracker.CancelAll()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
