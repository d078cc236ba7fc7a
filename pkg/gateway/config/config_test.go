package config

import (
	"testing"
	"time"

	"github.com/voicegate/voicegate/pkg/core/budget"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VOICEGATE_CARTESIA_API_KEY", "ck")
	t.Setenv("VOICEGATE_GEMINI_API_KEY", "gk")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.LiveSilenceCommitDuration != 600*time.Millisecond {
		t.Fatalf("silence commit = %v, want 600ms", cfg.LiveSilenceCommitDuration)
	}
	if cfg.BudgetAudioMinutes != 60 {
		t.Fatalf("audio minutes = %v, want 60", cfg.BudgetAudioMinutes)
	}
	if cfg.LLMModel != "gemini-2.0-flash" {
		t.Fatalf("llm model = %q", cfg.LLMModel)
	}
}

func TestLoadFromEnvRequiresProviderKeys(t *testing.T) {
	t.Setenv("VOICEGATE_CARTESIA_API_KEY", "")
	t.Setenv("VOICEGATE_GEMINI_API_KEY", "gk")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("missing cartesia key should fail")
	}

	t.Setenv("VOICEGATE_CARTESIA_API_KEY", "ck")
	t.Setenv("VOICEGATE_GEMINI_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("missing gemini key should fail")
	}
}

func TestLoadFromEnvRejectsNegativeBudget(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEGATE_BUDGET_TEXT_TOKENS", "-1")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("negative budget should fail")
	}
}

func TestEnvDurationAcceptsGoDurationAndMillis(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEGATE_LIVE_SILENCE_COMMIT_MS", "750")
	t.Setenv("VOICEGATE_LIVE_IDLE_TIMEOUT", "90s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.LiveSilenceCommitDuration != 750*time.Millisecond {
		t.Fatalf("silence commit = %v, want 750ms", cfg.LiveSilenceCommitDuration)
	}
	if cfg.LiveIdleTimeout != 90*time.Second {
		t.Fatalf("idle timeout = %v, want 90s", cfg.LiveIdleTimeout)
	}
}

func TestBudgetLimitsMapsEveryDimension(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEGATE_BUDGET_DOLLARS", "12.5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	limits := cfg.BudgetLimits()
	if limits[budget.DimensionDollars] != 12.5 {
		t.Fatalf("dollars = %v, want 12.5", limits[budget.DimensionDollars])
	}
	if limits[budget.DimensionAudioMinutes] != 60 {
		t.Fatalf("audio minutes = %v, want 60", limits[budget.DimensionAudioMinutes])
	}
}

func TestLoadFromEnvBurstRequiredWithInboundLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("VOICEGATE_LIVE_INBOUND_BURST_SECONDS", "0")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("zero burst with inbound limits enabled should fail")
	}
}
