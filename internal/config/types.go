package config

import "time"

// Config represents the complete wecom-gateway configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	WeCom    WeComConfig    `yaml:"wecom"`
	Backend  BackendConfig  `yaml:"backend"`
	Fallback FallbackConfig `yaml:"fallback"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines local state storage settings. Path may be empty to run
// without duplicate-callback protection.
type StateConfig struct {
	Path      string        `yaml:"path"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// WeComConfig holds the single corp credential set and callback settings.
type WeComConfig struct {
	// Channel is the path segment served under /webhooks/ (e.g. "wecom").
	Channel string `yaml:"channel"`

	CorpID         string `yaml:"corp_id"`
	AgentID        int64  `yaml:"agent_id"`
	Secret         string `yaml:"secret"`
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`

	// APIBase is the platform API root (default: https://qyapi.weixin.qq.com)
	APIBase string `yaml:"api_base"`

	// MaxBodySize accepts sizes like "1MB" or "65536" (default: 1MB)
	MaxBodySize string `yaml:"max_body_size,omitempty"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// BackendConfig selects and configures the conversational backend.
type BackendConfig struct {
	// Type is one of: subprocess | http | echo
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`

	// Command and Args drive the subprocess backend. Args may reference
	// {user}, {message} and {timeout}.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// URL is the HTTP backend base URL.
	URL    string `yaml:"url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`

	MaxConcurrent int `yaml:"max_concurrent"`
}

// FallbackConfig holds the user-visible replies sent when the backend fails.
type FallbackConfig struct {
	Timeout     string `yaml:"timeout"`
	Unavailable string `yaml:"unavailable"`
	Empty       string `yaml:"empty"`
	Failure     string `yaml:"failure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
}

// Backend types.
const (
	BackendSubprocess = "subprocess"
	BackendHTTP       = "http"
	BackendEcho       = "echo"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "wecom-gateway",
			Listen:    "0.0.0.0:18790",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:      "./data/state.db",
			DedupeTTL: 24 * time.Hour,
		},
		WeCom: WeComConfig{
			Channel:     "wecom",
			APIBase:     "https://qyapi.weixin.qq.com",
			MaxBodySize: "1MB",
			HTTPTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Type:    BackendSubprocess,
			Timeout: 35 * time.Second,
			Command: "/root/.npm-global/bin/openclaw",
			Args: []string{
				"agent", "--channel", "wecom", "--to", "{user}",
				"--message", "{message}", "--json", "--timeout", "{timeout}",
			},
			MaxConcurrent: 16,
		},
		Fallback: FallbackConfig{
			Timeout:     "AI 处理超时，请稍后再试",
			Unavailable: "AI 暂时不可用",
			Empty:       "抱歉，AI 未返回有效回复",
			Failure:     "抱歉，处理你的消息时遇到了问题，请稍后再试。",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
