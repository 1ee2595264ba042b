package config

import (
	"time"

	"github.com/jackzampolin/auralens/internal/imageutil"
	"github.com/jackzampolin/auralens/internal/providers"
	"github.com/jackzampolin/auralens/internal/retry"
)

// DefaultConfig returns configuration with sensible defaults.
// The model name has no default: it must be set before OCR can run.
func DefaultConfig() *Config {
	return &Config{
		VLM: VLMCfg{
			APIURL:          providers.DefaultAPIURL,
			APIKey:          "${AURALENS_API_KEY}",
			MaxTokens:       providers.DefaultMaxTokens,
			Temperature:     0.0,
			RepeatPenalty:   providers.DefaultRepeatPenalty,
			PresencePenalty: providers.DefaultPresencePenalty,
			Timeout:         120 * time.Second,
			RateLimit:       60,
			SystemPrompt:    providers.DefaultSystemPrompt,
			UserPrompt:      providers.DefaultUserPrompt,
		},
		Render: RenderCfg{
			DPI:         150,
			MaxPixels:   imageutil.DefaultMaxPixels,
			JPEGQuality: 90,
			Workers:     2,
			Timeout:     60 * time.Second,
			Command:     "pdftoppm",
		},
		Inbox: InboxCfg{
			PollInterval: 2 * time.Second,
			StablePolls:  2,
			Extensions:   []string{".pdf"},
		},
		Retry: RetryCfg{
			MaxAttempts: retry.DefaultMaxAttempts,
			Backoff:     append([]time.Duration(nil), retry.DefaultBackoff...),
			MaxDelay:    retry.DefaultMaxDelay,
		},
		Queue: QueueCfg{
			Concurrency: 1,
		},
		Export: ExportCfg{
			Formats: []string{"text"},
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8765",
		},
		Log: LogCfg{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
