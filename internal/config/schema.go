package config

import "time"

// Config holds auralens configuration.
// Stored at: {home}/config.yaml
//
// A Config is loaded and validated once at startup and treated as immutable
// afterwards; components receive the sub-structs they need by value.
type Config struct {
	VLM    VLMCfg    `mapstructure:"vlm" yaml:"vlm" json:"vlm"`
	Render RenderCfg `mapstructure:"render" yaml:"render" json:"render"`
	Inbox  InboxCfg  `mapstructure:"inbox" yaml:"inbox" json:"inbox"`
	Retry  RetryCfg  `mapstructure:"retry" yaml:"retry" json:"retry"`
	Queue  QueueCfg  `mapstructure:"queue" yaml:"queue" json:"queue"`
	Export ExportCfg `mapstructure:"export" yaml:"export" json:"export"`
	Server ServerCfg `mapstructure:"server" yaml:"server" json:"server"`
	Log    LogCfg    `mapstructure:"log" yaml:"log" json:"log"`
}

// VLMCfg configures the vision-language model endpoint.
type VLMCfg struct {
	APIURL          string        `mapstructure:"api_url" yaml:"api_url" json:"api_url"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key" json:"api_key"` // supports ${ENV_VAR}
	Model           string        `mapstructure:"model" yaml:"model" json:"model"`
	MaxTokens       int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	RepeatPenalty   float64       `mapstructure:"repeat_penalty" yaml:"repeat_penalty" json:"repeat_penalty"`
	PresencePenalty float64       `mapstructure:"presence_penalty" yaml:"presence_penalty" json:"presence_penalty"`
	EnableThinking  bool          `mapstructure:"enable_thinking" yaml:"enable_thinking" json:"enable_thinking"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`       // per call
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"` // requests per minute, 0 = unlimited
	SystemPrompt    string        `mapstructure:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	UserPrompt      string        `mapstructure:"user_prompt" yaml:"user_prompt" json:"user_prompt"`
}

// RenderCfg configures PDF rasterization.
type RenderCfg struct {
	DPI         int           `mapstructure:"dpi" yaml:"dpi" json:"dpi"`
	MaxPixels   int           `mapstructure:"max_pixels" yaml:"max_pixels" json:"max_pixels"`
	JPEGQuality int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
	Workers     int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Command     string        `mapstructure:"command" yaml:"command" json:"command"` // pdftoppm binary
}

// InboxCfg configures the watched directory.
type InboxCfg struct {
	Dir          string        `mapstructure:"dir" yaml:"dir" json:"dir"`
	Outbox       string        `mapstructure:"outbox" yaml:"outbox" json:"outbox"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	StablePolls  int           `mapstructure:"stable_polls" yaml:"stable_polls" json:"stable_polls"`
	Extensions   []string      `mapstructure:"extensions" yaml:"extensions" json:"extensions"`
}

// RetryCfg configures the OCR retry policy.
type RetryCfg struct {
	MaxAttempts int             `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
	MaxDelay    time.Duration   `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
}

// QueueCfg configures the job queue.
type QueueCfg struct {
	Concurrency int  `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	Review      bool `mapstructure:"review" yaml:"review" json:"review"` // default for manual jobs
}

// ExportCfg configures output.
type ExportCfg struct {
	Formats []string `mapstructure:"formats" yaml:"formats" json:"formats"`
}

// ServerCfg configures the HTTP API.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host" json:"host"`
	Port string `mapstructure:"port" yaml:"port" json:"port"`
}

// LogCfg configures logging.
type LogCfg struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`
	File       string `mapstructure:"file" yaml:"file" json:"file"` // empty: {home}/logs/auralens.log
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}

// Addr returns host:port.
func (s ServerCfg) Addr() string {
	return s.Host + ":" + s.Port
}

// URL returns the base URL clients should use.
func (s ServerCfg) URL() string {
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + s.Port
}
