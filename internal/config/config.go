package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// HubConfig configures the realtime WebSocket hub (taskhub serve).
type HubConfig struct {
	Port              int           `yaml:"port" env:"HUB_PORT"`
	AuthSecret        string        `yaml:"auth_secret" env:"HUB_AUTH_SECRET"`
	AuthIssuer        string        `yaml:"auth_issuer" env:"HUB_AUTH_ISSUER"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"HUB_HANDSHAKE_TIMEOUT"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"HUB_KEEPALIVE_INTERVAL"`
	// ClientTimeout closes sessions that sent nothing for this long. Zero,
	// the default, disables the watchdog.
	ClientTimeout time.Duration `yaml:"client_timeout" env:"HUB_CLIENT_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"HUB_WRITE_TIMEOUT"`
	OutboxSize    int           `yaml:"outbox_size" env:"HUB_OUTBOX_SIZE"`
	// TeamFallbackAll broadcasts team events to every connection when the
	// team has no registered projects. Off means such events are dropped.
	TeamFallbackAll bool   `yaml:"team_fallback_all" env:"HUB_TEAM_FALLBACK_ALL"`
	AllowedOrigins  string `yaml:"allowed_origins" env:"HUB_ALLOWED_ORIGINS"`
}

// ProxyConfig configures the reconnecting MCP stream proxy (taskhub mcp-proxy).
type ProxyConfig struct {
	BackendURL         string        `yaml:"backend_url" env:"MCP_BACKEND_URL"`
	Port               int           `yaml:"port" env:"MCP_PROXY_PORT"`
	PublicURL          string        `yaml:"public_url" env:"MCP_PROXY_PUBLIC_URL"`
	APIKey             string        `yaml:"api_key" env:"MCP_API_KEY"`
	SSEPath            string        `yaml:"sse_path" env:"MCP_BACKEND_SSE_PATH"`
	MessagesPath       string        `yaml:"messages_path" env:"MCP_BACKEND_MESSAGES_PATH"`
	MaxAttempts        int           `yaml:"max_reconnect_attempts" env:"MCP_MAX_RECONNECT_ATTEMPTS"`
	RetryDelay         time.Duration `yaml:"reconnect_delay" env:"MCP_RECONNECT_DELAY"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"MCP_CONNECT_TIMEOUT"`
	HealthyStreamAfter time.Duration `yaml:"healthy_stream_after" env:"MCP_HEALTHY_STREAM_AFTER"`
	// HealthProbeInterval is how often /health's backend view is refreshed
	// while no stream is open. Zero disables probing.
	HealthProbeInterval time.Duration `yaml:"health_probe_interval" env:"MCP_HEALTH_PROBE_INTERVAL"`
	// HeartbeatInterval spaces the comment frames written to idle client
	// streams. Zero disables them.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"MCP_HEARTBEAT_INTERVAL"`
}

// DefaultHubConfig returns the hub defaults. The keepalive stays well under
// the 30s idle timeout browsers use for the hub protocol. The server-side
// idle watchdog is disabled.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Port:              8080,
		HandshakeTimeout:  2 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboxSize:        1024,
		AllowedOrigins:    "*",
	}
}

// DefaultProxyConfig returns the proxy defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		BackendURL:          "http://localhost:8000",
		Port:                8001,
		SSEPath:             "/mcp/sse",
		MessagesPath:        "/mcp/messages/",
		MaxAttempts:         10,
		RetryDelay:          2 * time.Second,
		ConnectTimeout:      60 * time.Second,
		HealthProbeInterval: 30 * time.Second,
		HeartbeatInterval:   15 * time.Second,
	}
}

// LoadHub builds a HubConfig from defaults, an optional YAML file and the
// environment, in that order of precedence (later wins).
func LoadHub(path string) (HubConfig, error) {
	cfg := DefaultHubConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadProxy builds a ProxyConfig the same way LoadHub does.
func LoadProxy(path string) (ProxyConfig, error) {
	cfg := DefaultProxyConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func load(path string, target any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the hub cannot run with.
func (c HubConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("keepalive_interval must be positive"))
	}
	if c.ClientTimeout > 0 && c.KeepaliveInterval >= c.ClientTimeout {
		errs = append(errs, fmt.Errorf("keepalive_interval %s must be below client_timeout %s", c.KeepaliveInterval, c.ClientTimeout))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox_size must be positive"))
	}
	return errors.Join(errs...)
}

// Validate rejects settings the proxy cannot run with.
func (c ProxyConfig) Validate() error {
	var errs []error
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend_url %q is not an absolute URL", c.BackendURL))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must be positive"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("reconnect_delay must not be negative"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.HealthProbeInterval < 0 {
		errs = append(errs, errors.New("health_probe_interval must not be negative"))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat_interval must not be negative"))
	}
	if !strings.HasPrefix(c.SSEPath, "/") || !strings.HasPrefix(c.MessagesPath, "/") {
		errs = append(errs, errors.New("backend paths must start with /"))
	}
	return errors.Join(errs...)
}

// ExternalURL is the address clients use to reach the proxy. Endpoint
// announcements from the backend are rewritten to it.
func (c ProxyConfig) ExternalURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Port)
}
