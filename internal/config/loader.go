package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigEnvVar overrides the config path when --config is not given.
const ConfigEnvVar = "WECOM_GATEWAY_CONFIG"

// DefaultMaxBodySize is used when wecom.max_body_size is empty.
const DefaultMaxBodySize = 1048576 // 1 MB

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, integrity-checks and validates the
// configuration at configPath. A directory resolves to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse interpolates environment variables in data, applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath finds the config file to load. Priority order: explicit path,
// $WECOM_GATEWAY_CONFIG, ./config.yaml.
func ResolvePath(configPath string) (string, error) {
	if configPath == "" {
		configPath = os.Getenv(ConfigEnvVar)
	}
	if configPath == "" {
		configPath = "config.yaml"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// applyConfigDefaults fills values that YAML explicitly zeroed.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = defaults.Service.Listen
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Path != "" && cfg.State.DedupeTTL == 0 {
		cfg.State.DedupeTTL = defaults.State.DedupeTTL
	}
	if cfg.WeCom.Channel == "" {
		cfg.WeCom.Channel = defaults.WeCom.Channel
	}
	if cfg.WeCom.APIBase == "" {
		cfg.WeCom.APIBase = defaults.WeCom.APIBase
	}
	cfg.WeCom.APIBase = strings.TrimRight(cfg.WeCom.APIBase, "/")
	if cfg.WeCom.HTTPTimeout == 0 {
		cfg.WeCom.HTTPTimeout = defaults.WeCom.HTTPTimeout
	}
	if cfg.Backend.Type == "" {
		cfg.Backend.Type = defaults.Backend.Type
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = defaults.Backend.Timeout
	}
	if cfg.Backend.MaxConcurrent <= 0 {
		cfg.Backend.MaxConcurrent = defaults.Backend.MaxConcurrent
	}
	if cfg.Fallback.Timeout == "" {
		cfg.Fallback.Timeout = defaults.Fallback.Timeout
	}
	if cfg.Fallback.Unavailable == "" {
		cfg.Fallback.Unavailable = defaults.Fallback.Unavailable
	}
	if cfg.Fallback.Empty == "" {
		cfg.Fallback.Empty = defaults.Fallback.Empty
	}
	if cfg.Fallback.Failure == "" {
		cfg.Fallback.Failure = defaults.Fallback.Failure
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	required := []struct {
		field string
		value string
	}{
		{"wecom.corp_id", cfg.WeCom.CorpID},
		{"wecom.secret", cfg.WeCom.Secret},
		{"wecom.token", cfg.WeCom.Token},
		{"wecom.encoding_aes_key", cfg.WeCom.EncodingAESKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.field)
		}
		if err := checkUnresolved(r.field, r.value); err != nil {
			return err
		}
	}
	if len(cfg.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom.encoding_aes_key must be 43 characters (got %d)", len(cfg.WeCom.EncodingAESKey))
	}
	if cfg.WeCom.AgentID <= 0 {
		return fmt.Errorf("wecom.agent_id must be positive")
	}
	if strings.Contains(cfg.WeCom.Channel, "/") {
		return fmt.Errorf("wecom.channel must be a single path segment (got %q)", cfg.WeCom.Channel)
	}
	if _, err := ParseMaxBodySize(cfg.WeCom.MaxBodySize); err != nil {
		return fmt.Errorf("wecom.max_body_size: %w", err)
	}

	if cfg.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	switch cfg.Backend.Type {
	case BackendSubprocess:
		if cfg.Backend.Command == "" {
			return fmt.Errorf("backend.command is required for subprocess backend")
		}
	case BackendHTTP:
		if cfg.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for http backend")
		}
		if err := checkUnresolved("backend.api_key", cfg.Backend.APIKey); err != nil {
			return err
		}
	case BackendEcho:
	default:
		return fmt.Errorf("backend.type must be one of: subprocess, http, echo (got %q)", cfg.Backend.Type)
	}

	if cfg.Metrics.Token != "" {
		if err := checkUnresolved("metrics.token", cfg.Metrics.Token); err != nil {
			return err
		}
	}

	return nil
}

// checkUnresolved reports a ${VAR} placeholder left in a value.
func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// ParseMaxBodySize parses size strings like "1MB", "2048576", "64KB" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	// Handle unit suffixes (KB, MB, GB)
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value { // Check for overflow
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
