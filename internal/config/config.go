// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/bridge-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Backend    string `kong:"help='Proxy backend: direct|delegate (overrides config).',env='PROXY_BACKEND'"`
	WispServer string `kong:"help='Multiplexed transport endpoint URL (overrides config).',env='WISP_SERVER'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BridgeConfig holds the bridge addressing and backend selection settings.
type BridgeConfig struct {
	Prefix             string `toml:"prefix"`
	DelegatePrefix     string `toml:"delegate_prefix"`
	Backend            string `toml:"backend"`   // direct | delegate
	Transport          string `toml:"transport"` // epoxy | libcurl
	WispServer         string `toml:"wisp_server"`
	PortTimeoutSeconds int    `toml:"port_timeout_seconds"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Settings is the read-only backend/transport view consumed by the core.
// The enclosing application persists these through its own settings layer;
// the proxy only reads them.
type Settings struct {
	ProxyBackend   string
	ProxyTransport string
	WispServer     string
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/bridge-proxy/config.toml then configs/config.toml. A missing config
// file is not an error: the bridge works entirely from defaults.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Backend != "" {
		c.Bridge.Backend = cli.Backend
	}
	if cli.WispServer != "" {
		c.Bridge.WispServer = cli.WispServer
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Bridge.PortTimeoutSeconds < 0 {
		return fmt.Errorf("bridge.port_timeout_seconds must be non-negative; got %d", c.Bridge.PortTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Prefixes must be path segments.
	for name, p := range map[string]string{"bridge.prefix": c.Bridge.Prefix, "bridge.delegate_prefix": c.Bridge.DelegatePrefix} {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") {
			return fmt.Errorf("%s must start and end with '/'; got %q", name, p)
		}
	}
	if c.Bridge.Prefix != "" && c.Bridge.Prefix == c.Bridge.DelegatePrefix {
		return fmt.Errorf("bridge.prefix and bridge.delegate_prefix must differ; both are %q", c.Bridge.Prefix)
	}

	switch c.Bridge.Backend {
	case "", "direct", "delegate":
	default:
		return fmt.Errorf("bridge.backend must be one of: direct, delegate; got %q", c.Bridge.Backend)
	}
	switch c.Bridge.Transport {
	case "", "epoxy", "libcurl":
	default:
		return fmt.Errorf("bridge.transport must be one of: epoxy, libcurl; got %q", c.Bridge.Transport)
	}

	if c.Bridge.WispServer != "" {
		u, err := url.Parse(c.Bridge.WispServer)
		if err != nil {
			return fmt.Errorf("bridge.wisp_server is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("bridge.wisp_server must use ws or wss; got %q", c.Bridge.WispServer)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/healthz", "/bridge/status"}
		if c.Bridge.Prefix != "" {
			reserved = append(reserved, strings.TrimSuffix(c.Bridge.Prefix, "/"))
		}
		if c.Bridge.DelegatePrefix != "" {
			reserved = append(reserved, strings.TrimSuffix(c.Bridge.DelegatePrefix, "/"))
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB, matches the raw-body capture limit upstream bodies had before
	}
	if c.Bridge.Prefix == "" {
		c.Bridge.Prefix = "/!!/"
	}
	if c.Bridge.DelegatePrefix == "" {
		c.Bridge.DelegatePrefix = "/sj/"
	}
	if c.Bridge.Backend == "" {
		c.Bridge.Backend = "direct"
	}
	if c.Bridge.Transport == "" {
		c.Bridge.Transport = "libcurl"
	}
	if c.Bridge.PortTimeoutSeconds == 0 {
		c.Bridge.PortTimeoutSeconds = 3
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Settings returns the backend selection view consumed by the proxy core.
func (c *Config) Settings() Settings {
	return Settings{
		ProxyBackend:   c.Bridge.Backend,
		ProxyTransport: c.Bridge.Transport,
		WispServer:     c.Bridge.WispServer,
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
