package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for streamgate. The Upstream,
// AntiTruncation, and Proxy sections form the relay configuration: they are
// resolved once at startup and never change for the process lifetime. Only
// server.log_level is honoured by the hot-reload watcher.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"          toml:"server"`
	Upstream       UpstreamConfig       `mapstructure:"upstream"        toml:"upstream"`
	AntiTruncation AntiTruncationConfig `mapstructure:"anti_truncation" toml:"anti_truncation"`
	Proxy          ProxyConfig          `mapstructure:"proxy"           toml:"proxy"`
	History        HistoryConfig        `mapstructure:"history"         toml:"history"`
	Tracing        TracingConfig        `mapstructure:"tracing"         toml:"tracing"`
}

// ServerConfig holds the core HTTP server settings.
type ServerConfig struct {
	Port          int    `mapstructure:"port"             toml:"port"`
	LogLevel      string `mapstructure:"log_level"        toml:"log_level"`
	DataDir       string `mapstructure:"data_dir"         toml:"data_dir"`
	ReadTimeout   int    `mapstructure:"read_timeout"     toml:"read_timeout"`
	WriteTimeout  int    `mapstructure:"write_timeout"    toml:"write_timeout"`
	IdleTimeout   int    `mapstructure:"idle_timeout"     toml:"idle_timeout"`
	MaxBodySizeMB int64  `mapstructure:"max_body_size_mb" toml:"max_body_size_mb"`
}

// MaxBodyBytes returns the request body cap in bytes.
func (s ServerConfig) MaxBodyBytes() int64 {
	return s.MaxBodySizeMB << 20
}

// UpstreamConfig holds the per-protocol upstream base URLs and the HTTP
// client timeouts that govern every upstream call.
type UpstreamConfig struct {
	OpenAIBaseURL         string `mapstructure:"openai_base_url"         toml:"openai_base_url"`
	GeminiBaseURL         string `mapstructure:"gemini_base_url"         toml:"gemini_base_url"`
	ClaudeBaseURL         string `mapstructure:"claude_base_url"         toml:"claude_base_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"         toml:"timeout_seconds"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds" toml:"connect_timeout_seconds"`
}

// Timeout returns the per-attempt request timeout as a time.Duration.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// ConnectTimeout returns the upstream dial timeout as a time.Duration.
func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

// AntiTruncationConfig controls the continuation engine.
type AntiTruncationConfig struct {
	EnabledDefault             bool   `mapstructure:"enabled_default"               toml:"enabled_default"`
	MaxAttempts                int    `mapstructure:"max_attempts"                  toml:"max_attempts"`
	DoneMarker                 string `mapstructure:"done_marker"                   toml:"done_marker"`
	ModelPrefix                string `mapstructure:"model_prefix"                  toml:"model_prefix"`
	KeepaliveIntervalSeconds   int    `mapstructure:"keepalive_interval_seconds"    toml:"keepalive_interval_seconds"`
	UpstreamIdleTimeoutSeconds int    `mapstructure:"upstream_idle_timeout_seconds" toml:"upstream_idle_timeout_seconds"`
}

// KeepaliveInterval returns the downstream keepalive interval as a time.Duration.
func (a AntiTruncationConfig) KeepaliveInterval() time.Duration {
	return time.Duration(a.KeepaliveIntervalSeconds) * time.Second
}

// UpstreamIdleTimeout returns the mid-stream inactivity timeout as a time.Duration.
func (a AntiTruncationConfig) UpstreamIdleTimeout() time.Duration {
	return time.Duration(a.UpstreamIdleTimeoutSeconds) * time.Second
}

// ProxyConfig controls whether inbound forwarding headers are honoured and
// from which peers. Trust is decided against the peer transport address,
// never against header contents.
type ProxyConfig struct {
	TrustHeaders bool     `mapstructure:"trust_headers" toml:"trust_headers"`
	TrustedCIDRs []string `mapstructure:"trusted_cidrs" toml:"trusted_cidrs"`
}

// HistoryConfig controls the SQLite request-history store.
type HistoryConfig struct {
	Enabled       bool `mapstructure:"enabled"        toml:"enabled"`
	RetentionDays int  `mapstructure:"retention_days" toml:"retention_days"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "streamgate"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// BaseURL returns the configured upstream base URL for the given protocol
// name ("openai", "gemini", "claude"), or empty for an unknown name.
func (c *Config) BaseURL(protocol string) string {
	switch protocol {
	case "openai":
		return c.Upstream.OpenAIBaseURL
	case "gemini":
		return c.Upstream.GeminiBaseURL
	case "claude":
		return c.Upstream.ClaudeBaseURL
	default:
		return ""
	}
}

// Load reads configuration with the following precedence:
//  1. Environment variables (the documented relay variable names)
//  2. The file at explicitPath if non-empty
//  3. ~/.streamgate/streamgate.toml
//  4. ./streamgate.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// The environment variable names below are the external configuration
	// contract of the relay; they are bound verbatim, not through a prefix.
	bindEnvVars(v)

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".streamgate"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("streamgate")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in data_dir.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// bindEnvVars wires the documented environment variable names to their
// config keys.
func bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"upstream.openai_base_url":                      "UPSTREAM_OPENAI_BASE_URL",
		"upstream.gemini_base_url":                      "UPSTREAM_GEMINI_BASE_URL",
		"upstream.claude_base_url":                      "UPSTREAM_CLAUDE_BASE_URL",
		"upstream.timeout_seconds":                      "UPSTREAM_TIMEOUT_SECONDS",
		"upstream.connect_timeout_seconds":              "UPSTREAM_CONNECT_TIMEOUT_SECONDS",
		"anti_truncation.enabled_default":               "ANTI_TRUNCATION_ENABLED_DEFAULT",
		"anti_truncation.max_attempts":                  "ANTI_TRUNCATION_MAX_ATTEMPTS",
		"anti_truncation.done_marker":                   "ANTI_TRUNCATION_DONE_MARKER",
		"anti_truncation.model_prefix":                  "ANTI_TRUNCATION_MODEL_PREFIX",
		"anti_truncation.keepalive_interval_seconds":    "ANTI_TRUNCATION_KEEPALIVE_INTERVAL_SECONDS",
		"anti_truncation.upstream_idle_timeout_seconds": "ANTI_TRUNCATION_UPSTREAM_IDLE_TIMEOUT_SECONDS",
		"proxy.trust_headers":                           "TRUST_PROXY_HEADERS",
		"proxy.trusted_cidrs":                           "TRUSTED_PROXY_CIDRS",
		"server.max_body_size_mb":                       "MAX_BODY_SIZE_MB",
		"server.port":                                   "STREAMGATE_PORT",
		"server.log_level":                              "STREAMGATE_LOG_LEVEL",
		"server.data_dir":                               "STREAMGATE_DATA_DIR",
	}
	for key, envName := range bindings {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, envName)
	}
}

// InitConfig writes the default configuration file to ~/.streamgate/streamgate.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".streamgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size_mb", d.Server.MaxBodySizeMB)

	// Upstream
	v.SetDefault("upstream.openai_base_url", d.Upstream.OpenAIBaseURL)
	v.SetDefault("upstream.gemini_base_url", d.Upstream.GeminiBaseURL)
	v.SetDefault("upstream.claude_base_url", d.Upstream.ClaudeBaseURL)
	v.SetDefault("upstream.timeout_seconds", d.Upstream.TimeoutSeconds)
	v.SetDefault("upstream.connect_timeout_seconds", d.Upstream.ConnectTimeoutSeconds)

	// AntiTruncation
	v.SetDefault("anti_truncation.enabled_default", d.AntiTruncation.EnabledDefault)
	v.SetDefault("anti_truncation.max_attempts", d.AntiTruncation.MaxAttempts)
	v.SetDefault("anti_truncation.done_marker", d.AntiTruncation.DoneMarker)
	v.SetDefault("anti_truncation.model_prefix", d.AntiTruncation.ModelPrefix)
	v.SetDefault("anti_truncation.keepalive_interval_seconds", d.AntiTruncation.KeepaliveIntervalSeconds)
	v.SetDefault("anti_truncation.upstream_idle_timeout_seconds", d.AntiTruncation.UpstreamIdleTimeoutSeconds)

	// Proxy
	v.SetDefault("proxy.trust_headers", d.Proxy.TrustHeaders)
	v.SetDefault("proxy.trusted_cidrs", d.Proxy.TrustedCIDRs)

	// History
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.retention_days", d.History.RetentionDays)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
