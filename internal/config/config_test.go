package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Queue.Concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Render.DPI != 150 {
		t.Errorf("expected dpi 150, got %d", cfg.Render.DPI)
	}
	if cfg.VLM.APIKey != "${AURALENS_API_KEY}" {
		t.Error("expected API key placeholder")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if err := cfg.ValidateForOCR(); err == nil {
		t.Error("default config has no model and must not be OCR-ready")
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		if result := ResolveEnvVars("${TEST_API_KEY}"); result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		if result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}"); result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		if result := ResolveEnvVars("literal-value"); result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")
		t.Setenv("TEST_VLM_KEY", "sk-test")

		configContent := `
vlm:
  model: qwen2.5-vl-7b
  api_key: ${TEST_VLM_KEY}
  timeout: 30s
inbox:
  dir: /srv/inbox
  stable_polls: 3
  extensions: [PDF]
retry:
  max_attempts: 5
  backoff: [1s, 2s]
export:
  formats: [text, epub]
`
		if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
			t.Fatal(err)
		}

		cm, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		cfg := cm.Get()

		if cfg.VLM.Model != "qwen2.5-vl-7b" {
			t.Errorf("model = %q", cfg.VLM.Model)
		}
		if cfg.VLM.APIKey != "sk-test" {
			t.Errorf("api key not resolved: %q", cfg.VLM.APIKey)
		}
		if cfg.VLM.Timeout != 30*time.Second {
			t.Errorf("timeout = %v", cfg.VLM.Timeout)
		}
		if cfg.VLM.MaxTokens != 4096 {
			t.Errorf("unset keys should keep defaults, max_tokens = %d", cfg.VLM.MaxTokens)
		}
		if cfg.Inbox.StablePolls != 3 || cfg.Inbox.Dir != "/srv/inbox" {
			t.Errorf("inbox = %+v", cfg.Inbox)
		}
		if len(cfg.Inbox.Extensions) != 1 || cfg.Inbox.Extensions[0] != ".pdf" {
			t.Errorf("extensions not normalized: %v", cfg.Inbox.Extensions)
		}
		policy := cfg.RetryPolicy()
		if policy.MaxAttempts != 5 || len(policy.Backoff) != 2 || policy.Backoff[1] != 2*time.Second {
			t.Errorf("retry policy = %+v", policy)
		}
		if len(cfg.Export.Formats) != 2 {
			t.Errorf("formats = %v", cfg.Export.Formats)
		}
		if err := cfg.ValidateForOCR(); err != nil {
			t.Errorf("ValidateForOCR() = %v", err)
		}
		if !cfg.CanAutoProcess() {
			t.Error("expected CanAutoProcess")
		}
	})

	t.Run("missing default file is fine", func(t *testing.T) {
		cm, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if cm.Get().Server.Port != "8765" {
			t.Errorf("expected default port")
		}
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		if _, err := NewManager(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
			t.Error("expected error for missing explicit config file")
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("AURALENS_VLM_MODEL", "from-env")
		t.Setenv("AURALENS_QUEUE_CONCURRENCY", "2")

		cm, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		cfg := cm.Get()
		if cfg.VLM.Model != "from-env" {
			t.Errorf("model = %q", cfg.VLM.Model)
		}
		if cfg.Queue.Concurrency != 2 {
			t.Errorf("concurrency = %d", cfg.Queue.Concurrency)
		}
	})

	t.Run("Get returns an independent copy", func(t *testing.T) {
		cm, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		cfg := cm.Get()
		cfg.Export.Formats[0] = "epub"
		if cm.Get().Export.Formats[0] != "text" {
			t.Error("mutating a copy leaked into the manager")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"stable polls below two", func(c *Config) { c.Inbox.StablePolls = 1 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"empty backoff", func(c *Config) { c.Retry.Backoff = nil }},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }},
		{"unknown format", func(c *Config) { c.Export.Formats = []string{"docx"} }},
		{"dpi too low", func(c *Config) { c.Render.DPI = 10 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad port", func(c *Config) { c.Server.Port = "http" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateForOCR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VLM.Model = "m"
	cfg.VLM.APIURL = "localhost:3000"
	if err := cfg.ValidateForOCR(); err == nil || !strings.Contains(err.Error(), "api_url") {
		t.Errorf("expected api_url error, got %v", err)
	}

	cfg.VLM.APIURL = "http://localhost:3000/api/chat/completions"
	if err := cfg.ValidateForOCR(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "poll_interval: 2s") {
		t.Errorf("durations should be human readable:\n%s", data)
	}

	cm, err := NewManager(path, "")
	if err != nil {
		t.Fatalf("written default should load: %v", err)
	}
	got := cm.Get()
	want := DefaultConfig()
	if got.Inbox.PollInterval != want.Inbox.PollInterval || got.Retry.Backoff[2] != want.Retry.Backoff[2] {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
