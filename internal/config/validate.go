package config

import (
	"fmt"
	"net"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySizeMB <= 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size_mb must be positive, got %d", cfg.Server.MaxBodySizeMB))
	}

	// Upstream validation
	for name, u := range map[string]string{
		"upstream.openai_base_url": cfg.Upstream.OpenAIBaseURL,
		"upstream.gemini_base_url": cfg.Upstream.GeminiBaseURL,
		"upstream.claude_base_url": cfg.Upstream.ClaudeBaseURL,
	} {
		if u == "" {
			errs = append(errs, fmt.Sprintf("%s must not be empty", name))
		} else if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Sprintf("%s must be an http(s) URL, got %q", name, u))
		}
	}
	if cfg.Upstream.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("upstream.timeout_seconds must be non-negative, got %d", cfg.Upstream.TimeoutSeconds))
	}
	if cfg.Upstream.ConnectTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("upstream.connect_timeout_seconds must be non-negative, got %d", cfg.Upstream.ConnectTimeoutSeconds))
	}

	// Anti-truncation validation
	if cfg.AntiTruncation.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("anti_truncation.max_attempts must be at least 1, got %d", cfg.AntiTruncation.MaxAttempts))
	}
	if cfg.AntiTruncation.DoneMarker == "" {
		errs = append(errs, "anti_truncation.done_marker must not be empty")
	}
	if cfg.AntiTruncation.ModelPrefix == "" {
		errs = append(errs, "anti_truncation.model_prefix must not be empty")
	}
	if cfg.AntiTruncation.KeepaliveIntervalSeconds < 0 {
		errs = append(errs, fmt.Sprintf("anti_truncation.keepalive_interval_seconds must be non-negative, got %d", cfg.AntiTruncation.KeepaliveIntervalSeconds))
	}
	if cfg.AntiTruncation.UpstreamIdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("anti_truncation.upstream_idle_timeout_seconds must be non-negative, got %d", cfg.AntiTruncation.UpstreamIdleTimeoutSeconds))
	}

	// Proxy trust validation
	for i, cidr := range cfg.Proxy.TrustedCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, fmt.Sprintf("proxy.trusted_cidrs[%d]: invalid CIDR %q", i, cidr))
		}
	}

	// History validation
	if cfg.History.Enabled && cfg.History.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("history.retention_days must be at least 1, got %d", cfg.History.RetentionDays))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
