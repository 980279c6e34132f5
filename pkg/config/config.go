package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "BOTCORE_CONFIG"

	defaultCallbackTimeoutSeconds = 60
	defaultSpoolThreshold         = 1 << 20
	defaultServerHost             = "0.0.0.0"
	defaultServerPort             = 8000
	defaultNATSSubjectPrefix      = "botcore"
	defaultServiceName            = "botcore"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Bots      []BotAccount    `json:"bots" yaml:"bots"`
	Callbacks CallbacksConfig `json:"callbacks" yaml:"callbacks"`
	Spool     SpoolConfig     `json:"spool" yaml:"spool"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// BotAccount is one bot identity the runtime serves. SecretKey signs webhook tokens.
type BotAccount struct {
	ID        string `json:"id" yaml:"id"`
	Host      string `json:"host" yaml:"host"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// CallbacksConfig bounds how long outbound calls wait for their method callback.
type CallbacksConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

func (c CallbacksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SpoolConfig controls when file payloads leave memory.
type SpoolConfig struct {
	ThresholdBytes int64  `json:"threshold_bytes" yaml:"threshold_bytes"`
	Dir            string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// ServerConfig configures the HTTP listener for webhooks, health and metrics.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig configures Telegram channel integration. Events are attributed to BotID.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	BotID     string   `json:"bot_id,omitempty" yaml:"bot_id,omitempty"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// NATSConfig configures the message-broker bridge.
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
}

// TracingConfig configures span export. Without an endpoint spans are not exported.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
}

// envOverrides lists the environment variables that win over the file.
type envOverrides struct {
	TelegramToken     string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramAllowFrom string        `envconfig:"TELEGRAM_ALLOW_FROM"`
	NATSURL           string        `envconfig:"BOTCORE_NATS_URL"`
	ServerPort        int           `envconfig:"BOTCORE_SERVER_PORT"`
	CallbackTimeout   time.Duration `envconfig:"BOTCORE_CALLBACK_TIMEOUT"`
	OTLPEndpoint      string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadConfig resolves the config file, decodes it, and applies environment overrides and defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile reads one config file; the extension selects JSON or YAML.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	if token := strings.TrimSpace(env.TelegramToken); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(env.TelegramAllowFrom); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
	if url := strings.TrimSpace(env.NATSURL); url != "" {
		cfg.NATS.URL = url
		cfg.NATS.Enabled = true
	}
	if env.ServerPort > 0 {
		cfg.Server.Port = env.ServerPort
	}
	if env.CallbackTimeout > 0 {
		cfg.Callbacks.TimeoutSeconds = int(env.CallbackTimeout.Round(time.Second) / time.Second)
	}
	if endpoint := strings.TrimSpace(env.OTLPEndpoint); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Enabled = true
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Callbacks.TimeoutSeconds <= 0 {
		cfg.Callbacks.TimeoutSeconds = defaultCallbackTimeoutSeconds
	}
	if cfg.Spool.ThresholdBytes == 0 {
		cfg.Spool.ThresholdBytes = defaultSpoolThreshold
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = defaultNATSSubjectPrefix
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = defaultServiceName
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaultServiceName
	}
	if cfg.Channels.Telegram.BotID == "" && len(cfg.Bots) > 0 {
		cfg.Channels.Telegram.BotID = cfg.Bots[0].ID
	}
}

// Validate reports every problem found in cfg.
func (cfg *Config) Validate() error {
	var errs []error

	seen := make(map[string]struct{}, len(cfg.Bots))
	for i, account := range cfg.Bots {
		if strings.TrimSpace(account.ID) == "" {
			errs = append(errs, fmt.Errorf("bots[%d]: id is required", i))
			continue
		}
		if _, dup := seen[account.ID]; dup {
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate id %q", i, account.ID))
		}
		seen[account.ID] = struct{}{}
		if strings.TrimSpace(account.SecretKey) == "" {
			errs = append(errs, fmt.Errorf("bots[%d]: secret_key is required", i))
		}
	}

	if cfg.Spool.ThresholdBytes < 0 {
		errs = append(errs, errors.New("spool.threshold_bytes must be positive"))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			errs = append(errs, errors.New("channels.telegram.token is required when enabled"))
		}
		if _, ok := seen[cfg.Channels.Telegram.BotID]; !ok {
			errs = append(errs, fmt.Errorf("channels.telegram.bot_id %q is not a configured bot", cfg.Channels.Telegram.BotID))
		}
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when enabled"))
	}

	return errors.Join(errs...)
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is BOTCORE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
