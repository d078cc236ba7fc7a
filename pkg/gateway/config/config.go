package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voicegate/voicegate/pkg/core/budget"
)

type Config struct {
	Addr string

	// Session store. Empty DSN selects the in-memory store.
	PostgresDSN string

	// Budget ledger. Empty URL selects the in-memory ledger.
	RedisURL string

	// Provider credentials.
	CartesiaAPIKey string
	GeminiAPIKey   string

	// Usage metering. Empty key disables billing reports.
	StripeAPIKey     string
	StripeMeterAudio string
	StripeMeterText  string

	// Model selection.
	STTModel     string
	LLMModel     string
	TTSModel     string
	TTSVoice     string
	SystemPrompt string

	// Per-user daily budget limits. Zero disables a dimension.
	BudgetAudioMinutes float64
	BudgetTextTokens   float64
	BudgetVisionTokens float64
	BudgetDollars      float64

	// Live WebSocket mode (/v1/sessions/{id}/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveSilenceCommitDuration  time.Duration
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveIdleTimeout            time.Duration
	LiveMaxSessionDuration     time.Duration

	// Pipeline tuning.
	SentenceMinRunes  int
	ProviderRetries   int
	ProviderRetryBase time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VOICEGATE_ADDR", ":8080"),
		PostgresDSN:                envOr("VOICEGATE_POSTGRES_DSN", ""),
		RedisURL:                   envOr("VOICEGATE_REDIS_URL", ""),
		CartesiaAPIKey:             envOr("VOICEGATE_CARTESIA_API_KEY", ""),
		GeminiAPIKey:               envOr("VOICEGATE_GEMINI_API_KEY", ""),
		StripeAPIKey:               envOr("VOICEGATE_STRIPE_API_KEY", ""),
		StripeMeterAudio:           envOr("VOICEGATE_STRIPE_METER_AUDIO", "voicegate_audio_minutes"),
		StripeMeterText:            envOr("VOICEGATE_STRIPE_METER_TEXT", "voicegate_text_tokens"),
		STTModel:                   envOr("VOICEGATE_STT_MODEL", "ink-whisper"),
		LLMModel:                   envOr("VOICEGATE_LLM_MODEL", "gemini-2.0-flash"),
		TTSModel:                   envOr("VOICEGATE_TTS_MODEL", "sonic-3"),
		TTSVoice:                   envOr("VOICEGATE_TTS_VOICE", ""),
		SystemPrompt:               envOr("VOICEGATE_SYSTEM_PROMPT", ""),
		BudgetAudioMinutes:         envFloat64Or("VOICEGATE_BUDGET_AUDIO_MINUTES", 60),
		BudgetTextTokens:           envFloat64Or("VOICEGATE_BUDGET_TEXT_TOKENS", 200000),
		BudgetVisionTokens:         envFloat64Or("VOICEGATE_BUDGET_VISION_TOKENS", 0),
		BudgetDollars:              envFloat64Or("VOICEGATE_BUDGET_DOLLARS", 0),
		LiveMaxAudioFrameBytes:     envIntOr("VOICEGATE_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:    envInt64Or("VOICEGATE_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("VOICEGATE_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("VOICEGATE_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("VOICEGATE_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveSilenceCommitDuration:  envDurationOr("VOICEGATE_LIVE_SILENCE_COMMIT_MS", 600*time.Millisecond),
		LiveWSPingInterval:         envDurationOr("VOICEGATE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VOICEGATE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveIdleTimeout:            envDurationOr("VOICEGATE_LIVE_IDLE_TIMEOUT", 2*time.Minute),
		LiveMaxSessionDuration:     envDurationOr("VOICEGATE_LIVE_MAX_DURATION", 2*time.Hour),
		SentenceMinRunes:           envIntOr("VOICEGATE_SENTENCE_MIN_RUNES", 0),
		ProviderRetries:            envIntOr("VOICEGATE_PROVIDER_RETRIES", 2),
		ProviderRetryBase:          envDurationOr("VOICEGATE_PROVIDER_RETRY_BASE_MS", 250*time.Millisecond),
		ReadHeaderTimeout:          envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("VOICEGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.CartesiaAPIKey == "" {
		return Config{}, fmt.Errorf("VOICEGATE_CARTESIA_API_KEY must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOICEGATE_GEMINI_API_KEY must be set")
	}
	if cfg.BudgetAudioMinutes < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BUDGET_AUDIO_MINUTES must be >= 0")
	}
	if cfg.BudgetTextTokens < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BUDGET_TEXT_TOKENS must be >= 0")
	}
	if cfg.BudgetVisionTokens < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BUDGET_VISION_TOKENS must be >= 0")
	}
	if cfg.BudgetDollars < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BUDGET_DOLLARS must be >= 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveSilenceCommitDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_SILENCE_COMMIT_MS must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.SentenceMinRunes < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SENTENCE_MIN_RUNES must be >= 0")
	}
	if cfg.ProviderRetries < 0 {
		return Config{}, fmt.Errorf("VOICEGATE_PROVIDER_RETRIES must be >= 0")
	}
	if cfg.ProviderRetryBase <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_PROVIDER_RETRY_BASE_MS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// BudgetLimits maps the configured per-dimension limits onto the ledger.
func (c Config) BudgetLimits() budget.Limits {
	return budget.Limits{
		budget.DimensionAudioMinutes: c.BudgetAudioMinutes,
		budget.DimensionTextTokens:   c.BudgetTextTokens,
		budget.DimensionVisionTokens: c.BudgetVisionTokens,
		budget.DimensionDollars:      c.BudgetDollars,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	// Accept either a Go duration string or a bare millisecond count.
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
