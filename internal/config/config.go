package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/auralens/internal/providers"
	"github.com/jackzampolin/auralens/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. AURALENS_VLM_MODEL.
const EnvPrefix = "AURALENS"

// Manager loads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
type Manager struct {
	v      *viper.Viper
	config *Config
}

// NewManager creates a config manager and loads the configuration.
// When cfgFile is empty, config.yaml is searched for in the working
// directory and then in homeDir.
func NewManager(cfgFile, homeDir string) (*Manager, error) {
	cm := &Manager{v: viper.New()}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	for _, s := range settings(DefaultConfig()) {
		cm.v.SetDefault(s.key, s.value)
	}

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if homeDir != "" {
			cm.v.AddConfigPath(homeDir)
		}
	}

	// The config file is optional.
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.VLM.APIKey = ResolveEnvVars(cfg.VLM.APIKey)
	for i, ext := range cfg.Inbox.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Inbox.Extensions[i] = ext
	}
	return &cfg, nil
}

// Get returns a copy of the loaded configuration.
func (cm *Manager) Get() Config {
	cfg := *cm.config
	cfg.Inbox.Extensions = append([]string(nil), cm.config.Inbox.Extensions...)
	cfg.Retry.Backoff = append([]time.Duration(nil), cm.config.Retry.Backoff...)
	cfg.Export.Formats = append([]string(nil), cm.config.Export.Formats...)
	return cfg
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// RetryPolicy converts the retry section to a policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     append([]time.Duration(nil), c.Retry.Backoff...),
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// VLMConfig converts the vlm section to a client configuration.
func (c Config) VLMConfig() providers.VLMConfig {
	return providers.VLMConfig{
		APIURL:          c.VLM.APIURL,
		APIKey:          c.VLM.APIKey,
		Model:           c.VLM.Model,
		MaxTokens:       c.VLM.MaxTokens,
		Temperature:     c.VLM.Temperature,
		RepeatPenalty:   c.VLM.RepeatPenalty,
		PresencePenalty: c.VLM.PresencePenalty,
		EnableThinking:  c.VLM.EnableThinking,
		SystemPrompt:    c.VLM.SystemPrompt,
		UserPrompt:      c.VLM.UserPrompt,
		JPEGQuality:     c.Render.JPEGQuality,
	}
}

type setting struct {
	key   string
	value any
}

// settings flattens a Config into dotted viper keys.
func settings(c *Config) []setting {
	return []setting{
		{"vlm.api_url", c.VLM.APIURL},
		{"vlm.api_key", c.VLM.APIKey},
		{"vlm.model", c.VLM.Model},
		{"vlm.max_tokens", c.VLM.MaxTokens},
		{"vlm.temperature", c.VLM.Temperature},
		{"vlm.repeat_penalty", c.VLM.RepeatPenalty},
		{"vlm.presence_penalty", c.VLM.PresencePenalty},
		{"vlm.enable_thinking", c.VLM.EnableThinking},
		{"vlm.timeout", c.VLM.Timeout},
		{"vlm.rate_limit", c.VLM.RateLimit},
		{"vlm.system_prompt", c.VLM.SystemPrompt},
		{"vlm.user_prompt", c.VLM.UserPrompt},

		{"render.dpi", c.Render.DPI},
		{"render.max_pixels", c.Render.MaxPixels},
		{"render.jpeg_quality", c.Render.JPEGQuality},
		{"render.workers", c.Render.Workers},
		{"render.timeout", c.Render.Timeout},
		{"render.command", c.Render.Command},

		{"inbox.dir", c.Inbox.Dir},
		{"inbox.outbox", c.Inbox.Outbox},
		{"inbox.poll_interval", c.Inbox.PollInterval},
		{"inbox.stable_polls", c.Inbox.StablePolls},
		{"inbox.extensions", c.Inbox.Extensions},

		{"retry.max_attempts", c.Retry.MaxAttempts},
		{"retry.backoff", c.Retry.Backoff},
		{"retry.max_delay", c.Retry.MaxDelay},

		{"queue.concurrency", c.Queue.Concurrency},
		{"queue.review", c.Queue.Review},

		{"export.formats", c.Export.Formats},

		{"server.host", c.Server.Host},
		{"server.port", c.Server.Port},

		{"log.level", c.Log.Level},
		{"log.file", c.Log.File},
		{"log.max_size_mb", c.Log.MaxSizeMB},
		{"log.max_backups", c.Log.MaxBackups},
		{"log.max_age_days", c.Log.MaxAgeDays},
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := MarshalYAML(DefaultConfig())
	if err != nil {
		return err
	}

	header := []byte(`# auralens configuration
# Values can be overridden with AURALENS_<SECTION>_<KEY> environment variables,
# e.g. AURALENS_VLM_MODEL=qwen2.5-vl-7b. The API key uses ${ENV_VAR} syntax.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

// MarshalYAML renders c as YAML with human-readable durations.
func MarshalYAML(c *Config) ([]byte, error) {
	sections := make(map[string]map[string]any)
	for _, s := range settings(c) {
		section, key, _ := strings.Cut(s.key, ".")
		if sections[section] == nil {
			sections[section] = make(map[string]any)
		}
		sections[section][key] = yamlValue(s.value)
	}

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		data, err := yaml.Marshal(map[string]any{name: sections[name]})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		out = append(out, data...)
		out = append(out, '\n')
	}
	return out, nil
}

func yamlValue(v any) any {
	switch t := v.(type) {
	case time.Duration:
		return t.String()
	case []time.Duration:
		s := make([]string, len(t))
		for i, d := range t {
			s[i] = d.String()
		}
		return s
	default:
		return v
	}
}
