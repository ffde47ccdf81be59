package config

// DefaultPort is the default port for the relay server.
const DefaultPort = 8787

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.streamgate"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "streamgate.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (10 minutes) to accommodate LLM streaming responses.
const DefaultWriteTimeout = 600

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySizeMB is the default maximum request body size in megabytes.
const DefaultMaxBodySizeMB = 10

// DefaultUpstreamTimeout is the per-attempt upstream request timeout in seconds.
const DefaultUpstreamTimeout = 600

// DefaultConnectTimeout is the upstream dial timeout in seconds.
const DefaultConnectTimeout = 10

// DefaultMaxAttempts is the attempt bound of the continuation engine.
const DefaultMaxAttempts = 3

// DefaultDoneMarker is the completion sentinel the model is instructed to emit.
const DefaultDoneMarker = "[done]"

// DefaultModelPrefix is the model-name trigger prefix.
const DefaultModelPrefix = "流式抗截断/"

// DefaultKeepaliveInterval is the downstream keepalive interval in seconds.
const DefaultKeepaliveInterval = 15

// DefaultUpstreamIdleTimeout is the mid-stream inactivity timeout in seconds.
const DefaultUpstreamIdleTimeout = 120

// DefaultRetentionDays is the default request-history retention in days.
const DefaultRetentionDays = 30

// defaultTrustedCIDRs covers loopback and RFC 1918 ranges.
var defaultTrustedCIDRs = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// DefaultConfig returns a Config populated with built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          DefaultPort,
			LogLevel:      DefaultLogLevel,
			DataDir:       DefaultDataDir,
			ReadTimeout:   DefaultReadTimeout,
			WriteTimeout:  DefaultWriteTimeout,
			IdleTimeout:   DefaultIdleTimeout,
			MaxBodySizeMB: DefaultMaxBodySizeMB,
		},
		Upstream: UpstreamConfig{
			OpenAIBaseURL:         "https://api.openai.com",
			GeminiBaseURL:         "https://generativelanguage.googleapis.com",
			ClaudeBaseURL:         "https://api.anthropic.com",
			TimeoutSeconds:        DefaultUpstreamTimeout,
			ConnectTimeoutSeconds: DefaultConnectTimeout,
		},
		AntiTruncation: AntiTruncationConfig{
			EnabledDefault:             false,
			MaxAttempts:                DefaultMaxAttempts,
			DoneMarker:                 DefaultDoneMarker,
			ModelPrefix:                DefaultModelPrefix,
			KeepaliveIntervalSeconds:   DefaultKeepaliveInterval,
			UpstreamIdleTimeoutSeconds: DefaultUpstreamIdleTimeout,
		},
		Proxy: ProxyConfig{
			TrustHeaders: true,
			TrustedCIDRs: append([]string(nil), defaultTrustedCIDRs...),
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "streamgate",
			SampleRate:  1.0,
		},
	}
}

// ValidLogLevels are the accepted values for server.log_level.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error"}
