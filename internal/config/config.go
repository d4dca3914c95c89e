// Package config loads kapi settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete kapi configuration.
type Config struct {
	Probe     ProbeConfig        `yaml:"probe"`
	Download  DownloadConfig     `yaml:"download"`
	Bandwidth BandwidthConfig    `yaml:"bandwidth"`
	Proxy     ProxyConfig        `yaml:"proxy"`
	TLS       TLSConfig          `yaml:"tls"`
	SSH       SSHConfig          `yaml:"ssh"`
	S3        S3Config           `yaml:"s3"`
	Auth      []AuthConfig       `yaml:"auth,omitempty"`
	Output    OutputConfig       `yaml:"output"`
	Logging   LoggingConfig      `yaml:"logging"`
	Hooks     HooksConfig        `yaml:"hooks"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Profiles  map[string]Profile `yaml:"profiles,omitempty"`
}

// ProbeConfig controls the connectivity check run before every download.
type ProbeConfig struct {
	URL             string        `yaml:"url"`
	FallbackAddr    string        `yaml:"fallback_addr"` // TCP target used when the probe URL answers 429
	Timeout         time.Duration `yaml:"timeout"`
	Capacity        int           `yaml:"capacity"` // concurrent checks
	Debounce        time.Duration `yaml:"debounce"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	BackoffJitter   float64       `yaml:"backoff_jitter"`
	MonitorHost     string        `yaml:"monitor_host"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// DownloadConfig holds orchestrator and engine settings.
type DownloadConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MinConnectTimeout time.Duration `yaml:"min_connect_timeout"`
	Retries           int           `yaml:"retries"`
	WatchdogTick      time.Duration `yaml:"watchdog_tick"`
	Concurrency       int           `yaml:"concurrency"` // batch downloads in flight
	UserAgent         string        `yaml:"user_agent"`  // empty sends kapi/<version>
	BufferSize        int           `yaml:"buffer_size"`
	ProgressInterval  time.Duration `yaml:"progress_interval"`
	Netrc             string        `yaml:"netrc"` // empty uses ~/.netrc
	HTTP3             bool          `yaml:"http3"` // also accept http3:// URLs
}

// BandwidthConfig holds bandwidth control settings.
type BandwidthConfig struct {
	GlobalLimit  string            `yaml:"global_limit"`   // e.g. "10M", "500K"
	PerHostLimit string            `yaml:"per_host_limit"` // default per-host limit
	HostLimits   []HostLimitConfig `yaml:"host_limits,omitempty"`
}

// HostLimitConfig caps one host or "*.domain" pattern.
type HostLimitConfig struct {
	Host  string `yaml:"host"`
	Limit string `yaml:"limit"`
}

// ProxyConfig holds proxy settings. URL may be http://, https:// or socks5://.
type ProxyConfig struct {
	URL string `yaml:"url"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Verify     bool `yaml:"verify"`
	ForceHTTP1 bool `yaml:"force_http1"`
}

// SSHConfig holds SFTP settings.
type SSHConfig struct {
	PrivateKey string `yaml:"private_key"`
	KnownHosts string `yaml:"known_hosts"` // empty uses ~/.ssh/known_hosts
	Insecure   bool   `yaml:"insecure"`    // skip host key checking
}

// S3Config holds settings for s3:// URLs. Empty fields fall back to the
// AWS environment and shared config files.
type S3Config struct {
	Profile   string `yaml:"profile"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`   // S3-compatible service URL
	PathStyle bool   `yaml:"path_style"` // needed by most S3-compatible services
}

// AuthConfig sends a bearer token to one host. The token is either given
// directly or fetched with the OAuth2 client-credentials flow.
type AuthConfig struct {
	Host         string   `yaml:"host"`
	Token        string   `yaml:"token,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// OutputConfig holds output settings.
type OutputConfig struct {
	Directory     string `yaml:"directory"`
	ProgressStyle string `yaml:"progress_style"` // bar, line, json, tui
	Colors        bool   `yaml:"colors"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	File   string `yaml:"file"`   // empty logs to stderr
	Format string `yaml:"format"` // console, json
}

// HooksConfig lists commands and webhooks fired on download events.
type HooksConfig struct {
	Commands        []string      `yaml:"commands,omitempty"`
	Webhooks        []string      `yaml:"webhooks,omitempty"`
	Timeout         time.Duration `yaml:"timeout"`
	OnDownloading   bool          `yaml:"on_downloading"` // also fire when the transfer starts
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Profile overrides selected settings by name.
type Profile struct {
	ConnectTimeout time.Duration    `yaml:"connect_timeout,omitempty"`
	Retries        int              `yaml:"retries,omitempty"`
	Concurrency    int              `yaml:"concurrency,omitempty"`
	Bandwidth      *BandwidthConfig `yaml:"bandwidth,omitempty"`
	Proxy          *ProxyConfig     `yaml:"proxy,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Probe: ProbeConfig{
			URL:             "https://www.google.com",
			FallbackAddr:    "8.8.8.8:53",
			Timeout:         1500 * time.Millisecond,
			Capacity:        3,
			Debounce:        300 * time.Millisecond,
			BackoffInitial:  500 * time.Millisecond,
			BackoffMax:      2 * time.Second,
			MonitorHost:     "a.root-servers.net",
			MonitorInterval: 5 * time.Second,
		},
		Download: DownloadConfig{
			ConnectTimeout:    30 * time.Second,
			MinConnectTimeout: 15 * time.Second,
			Retries:           3,
			WatchdogTick:      time.Second,
			Concurrency:       2,
			BufferSize:        32 * 1024,
			ProgressInterval:  100 * time.Millisecond,
		},
		TLS: TLSConfig{
			Verify: true,
		},
		Output: OutputConfig{
			ProgressStyle: "bar",
			Colors:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Hooks: HooksConfig{
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Profiles: make(map[string]Profile),
	}
}

// ConfigPaths returns candidate config files in priority order.
func ConfigPaths() []string {
	paths := make([]string, 0, 4)

	if envPath := os.Getenv("KAPI_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	paths = append(paths, "kapi.yaml")

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "kapi", "config.yaml"))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "kapi", "config.yaml"))
	}

	return paths
}

// Load reads the first config file that exists, or returns defaults.
func Load() (*Config, error) {
	config := DefaultConfig()

	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := config.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
			return config, config.Validate()
		}
	}

	return config, nil
}

// LoadFile merges the YAML file at path over c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate rejects settings the downloader cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Probe.Timeout <= 0:
		return fmt.Errorf("probe.timeout must be positive")
	case c.Probe.Capacity < 1:
		return fmt.Errorf("probe.capacity must be at least 1")
	case c.Probe.Debounce < 0:
		return fmt.Errorf("probe.debounce must not be negative")
	case c.Probe.BackoffInitial < 0 || c.Probe.BackoffMax < c.Probe.BackoffInitial:
		return fmt.Errorf("probe backoff must satisfy 0 <= backoff_initial <= backoff_max")
	case c.Probe.BackoffJitter < 0 || c.Probe.BackoffJitter > 1:
		return fmt.Errorf("probe.backoff_jitter must be within [0, 1]")
	case c.Download.Retries < 1:
		return fmt.Errorf("download.retries must be at least 1")
	case c.Download.ConnectTimeout <= 0 || c.Download.MinConnectTimeout < 0:
		return fmt.Errorf("download.connect_timeout must be positive")
	case c.Download.WatchdogTick <= 0:
		return fmt.Errorf("download.watchdog_tick must be positive")
	case c.Download.Concurrency < 1:
		return fmt.Errorf("download.concurrency must be at least 1")
	}

	switch c.Output.ProgressStyle {
	case "bar", "line", "json", "tui":
	default:
		return fmt.Errorf("unknown output.progress_style %q", c.Output.ProgressStyle)
	}

	if _, err := ParseBandwidth(c.Bandwidth.GlobalLimit); err != nil {
		return fmt.Errorf("bandwidth.global_limit: %w", err)
	}
	if _, err := ParseBandwidth(c.Bandwidth.PerHostLimit); err != nil {
		return fmt.Errorf("bandwidth.per_host_limit: %w", err)
	}
	for _, a := range c.Auth {
		switch {
		case a.Host == "":
			return fmt.Errorf("auth: empty host")
		case a.Token == "" && a.TokenURL == "":
			return fmt.Errorf("auth[%s]: token or token_url is required", a.Host)
		case a.TokenURL != "" && a.ClientID == "":
			return fmt.Errorf("auth[%s]: client_id is required with token_url", a.Host)
		}
	}
	for _, hl := range c.Bandwidth.HostLimits {
		if hl.Host == "" {
			return fmt.Errorf("bandwidth.host_limits: empty host")
		}
		if _, err := ParseBandwidth(hl.Limit); err != nil {
			return fmt.Errorf("bandwidth.host_limits[%s]: %w", hl.Host, err)
		}
	}
	return nil
}

// ApplyProfile overlays a named profile.
func (c *Config) ApplyProfile(name string) error {
	profile, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("profile not found: %s", name)
	}

	if profile.ConnectTimeout > 0 {
		c.Download.ConnectTimeout = profile.ConnectTimeout
	}
	if profile.Retries > 0 {
		c.Download.Retries = profile.Retries
	}
	if profile.Concurrency > 0 {
		c.Download.Concurrency = profile.Concurrency
	}
	if profile.Bandwidth != nil {
		if profile.Bandwidth.GlobalLimit != "" {
			c.Bandwidth.GlobalLimit = profile.Bandwidth.GlobalLimit
		}
		if profile.Bandwidth.PerHostLimit != "" {
			c.Bandwidth.PerHostLimit = profile.Bandwidth.PerHostLimit
		}
	}
	if profile.Proxy != nil && profile.Proxy.URL != "" {
		c.Proxy.URL = profile.Proxy.URL
	}

	return nil
}

// DefaultConfigPath is where init-config writes by default.
func DefaultConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kapi", "config.yaml"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "kapi", "config.yaml"), nil
}

// ParseBandwidth parses "10M", "500K" or a plain byte count into bytes per
// second. An empty string means unlimited.
func ParseBandwidth(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') && s[i-1] != '.' {
		i--
	}
	number, unit := s[:i], s[i:]

	value, err := strconv.ParseFloat(number, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid bandwidth format: %s", s)
	}

	multiplier := int64(1)
	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(unit, "/s"), "B")) {
	case "":
	case "K":
		multiplier = 1024
	case "M":
		multiplier = 1024 * 1024
	case "G":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown bandwidth unit: %s", unit)
	}

	return int64(value * float64(multiplier)), nil
}

// GenerateDefaultConfig returns a commented default config file.
func GenerateDefaultConfig() string {
	return `# kapi configuration

# Connectivity check run before every download
probe:
  url: "https://www.google.com"
  fallback_addr: "8.8.8.8:53"   # TCP dial used when the probe URL answers 429
  timeout: 1500ms               # per attempt, minimum 100ms
  capacity: 3                   # concurrent checks
  debounce: 300ms               # minimum spacing between debounced checks
  backoff_initial: 500ms
  backoff_max: 2s
  backoff_jitter: 0
  monitor_host: "a.root-servers.net"
  monitor_interval: 5s

download:
  connect_timeout: 30s          # watchdog budget before the transfer starts
  min_connect_timeout: 15s      # floor applied to connect_timeout
  retries: 3                    # connectivity check attempts
  watchdog_tick: 1s
  concurrency: 2                # batch downloads in flight
  user_agent: ""                # empty sends kapi/<version>
  buffer_size: 32768
  progress_interval: 100ms
  netrc: ""                     # empty uses ~/.netrc
  http3: false                  # accept http3:// URLs

bandwidth:
  global_limit: ""              # e.g. "10M", "500K"
  per_host_limit: ""
  # host_limits:
  #   - host: "slow-server.com"
  #     limit: "5M"
  #   - host: "*.cdn.example.com"
  #     limit: "20M"

proxy:
  url: ""                       # http://, https:// or socks5://

tls:
  verify: true
  force_http1: false

ssh:
  private_key: ""
  known_hosts: ""               # empty uses ~/.ssh/known_hosts
  insecure: false

# auth:                         # bearer tokens per host
#   - host: api.example.com
#     token: "..."
#   - host: files.example.com
#     token_url: https://auth.example.com/oauth/token
#     client_id: kapi
#     client_secret: "..."
#     scopes: [files.read]

s3:
  profile: ""                   # shared config profile
  region: ""
  endpoint: ""                  # e.g. http://localhost:9000 for MinIO
  path_style: false

output:
  directory: ""
  progress_style: "bar"         # bar, line, json, tui
  colors: true

logging:
  level: "info"                 # debug, info, warn, error
  file: ""
  format: "console"             # console, json

hooks:
  # commands:
  #   - 'notify-send "kapi" "$KAPI_PATH: $KAPI_STATUS"'
  # webhooks:
  #   - "https://hooks.example.com/kapi"
  timeout: 30s
  on_downloading: false

metrics:
  enabled: false
  addr: "127.0.0.1:9464"

profiles:
  patient:
    connect_timeout: 2m
    retries: 6
  metered:
    bandwidth:
      global_limit: "1M"
  tor:
    proxy:
      url: "socks5://127.0.0.1:9050"
`
}
