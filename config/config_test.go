package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/legacyvault")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.HTTPAddr)
	}
	if cfg.CheckInWindow != 48*time.Hour {
		t.Fatalf("expected 48h window, got %s", cfg.CheckInWindow)
	}
	if cfg.OutboxBatchSize != 50 || cfg.OutboxPollInterval != 2*time.Second {
		t.Fatalf("unexpected outbox defaults: %+v", cfg)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/legacyvault")
	t.Setenv("CHECKIN_WINDOW", "72h")
	t.Setenv("OPERATOR_EMAILS", "ops@example.com,root@example.com")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CheckInWindow != 72*time.Hour {
		t.Fatalf("expected 72h window, got %s", cfg.CheckInWindow)
	}
	if len(cfg.OperatorEmails) != 2 || cfg.OperatorEmails[1] != "root@example.com" {
		t.Fatalf("unexpected operator emails: %v", cfg.OperatorEmails)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected missing JWT_SECRET error, got %v", err)
	}
}

func TestLoadError(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "many")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{DatabaseURL: "postgres://x", CheckInWindow: time.Hour, LogLevel: "info"}

	if err := base.Validate(); err != nil {
		t.Fatalf("validate base: %v", err)
	}

	missing := base
	missing.DatabaseURL = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}

	fractional := base
	fractional.CheckInWindow = 1500 * time.Millisecond
	if err := fractional.Validate(); err == nil {
		t.Fatal("expected fractional window error")
	}

	noisy := base
	noisy.LogLevel = "chatty"
	if err := noisy.Validate(); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	if err != nil || lvl != slog.LevelWarn {
		t.Fatalf("expected warn, got %v (%v)", lvl, err)
	}
}
