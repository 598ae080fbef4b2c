// Package config loads the huddle configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/huddle/internal/debounce"
)

// Read-receipt policies for an open conversation.
const (
	ReadReceiptsVisible   = "visible"
	ReadReceiptsOnReceive = "on_receive"
)

// Config is the main configuration structure for huddle.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Identity      IdentityConfig      `yaml:"identity"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Relay         RelayConfig         `yaml:"relay"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// BaseURL is the REST origin, e.g. http://localhost:8000.
	BaseURL string `yaml:"base_url"`
	// WSURL is the socket origin. Derived from BaseURL when empty.
	WSURL string        `yaml:"ws_url"`
	Paths EndpointPaths `yaml:"paths"`
}

// EndpointPaths are socket path templates. {workspace_id} and {peer_id}
// are substituted at dial time.
type EndpointPaths struct {
	Presence      string `yaml:"presence"`
	Chat          string `yaml:"chat"`
	Notifications string `yaml:"notifications"`
	Calls         string `yaml:"calls"`
}

type AuthConfig struct {
	Token        string `yaml:"token"`
	RefreshToken string `yaml:"refresh_token"`
	ValidatePath string `yaml:"validate_path"`
	RefreshPath  string `yaml:"refresh_path"`
	LoginPath    string `yaml:"login_path"`
}

type IdentityConfig struct {
	// UserID defaults to the user_id claim of the access token.
	UserID      string `yaml:"user_id"`
	WorkspaceID string `yaml:"workspace_id"`
	DisplayName string `yaml:"display_name"`
}

type RealtimeConfig struct {
	// Debounce windows: connect, read_receipts, notifications.
	Debounce debounce.Config `yaml:"debounce"`

	// ReadReceipts is "visible" or "on_receive".
	ReadReceipts string `yaml:"read_receipts" jsonschema:"enum=visible,enum=on_receive"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	DialTimeout   time.Duration `yaml:"dial_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`

	// ValidateFrames checks inbound frames against their JSON schema.
	ValidateFrames *bool `yaml:"validate_frames"`
}

// ReconnectConfig bounds caller-driven reconnects.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       *bool         `yaml:"jitter"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
	Format    string `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// RelayConfig configures the development relay server.
type RelayConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	JWTSecret  string        `yaml:"jwt_secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	// Users maps user ids to display names used in call signaling.
	Users map[string]string `yaml:"users"`
	// Passwords optionally maps user ids to login passwords.
	Passwords map[string]string `yaml:"passwords"`
}

// Load reads, merges, decodes, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return finish(raw)
}

// finish decodes a merged raw map, applies defaults and validates it.
func finish(raw map[string]any) (*Config, error) {
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, returning the defaults when path is empty or
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8000"
	}
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = deriveWSURL(cfg.Server.BaseURL)
	}
	if cfg.Server.Paths.Presence == "" {
		cfg.Server.Paths.Presence = "/ws/presence/{workspace_id}/"
	}
	if cfg.Server.Paths.Chat == "" {
		cfg.Server.Paths.Chat = "/ws/chat/{workspace_id}/{peer_id}/"
	}
	if cfg.Server.Paths.Notifications == "" {
		cfg.Server.Paths.Notifications = "/ws/notifications/"
	}
	if cfg.Server.Paths.Calls == "" {
		cfg.Server.Paths.Calls = "/ws/calls/"
	}
	if cfg.Auth.ValidatePath == "" {
		cfg.Auth.ValidatePath = "/api/auth/validate/"
	}
	if cfg.Auth.RefreshPath == "" {
		cfg.Auth.RefreshPath = "/api/token/refresh/"
	}
	if cfg.Auth.LoginPath == "" {
		cfg.Auth.LoginPath = "/api/auth/login/"
	}

	rt := &cfg.Realtime
	if rt.Debounce.ByWindow == nil {
		rt.Debounce.ByWindow = map[string]int{}
	}
	for name, ms := range map[string]int{
		debounce.WindowConnect:       250,
		debounce.WindowReadReceipts:  300,
		debounce.WindowNotifications: 1000,
	} {
		if _, ok := rt.Debounce.ByWindow[name]; !ok {
			rt.Debounce.ByWindow[name] = ms
		}
	}
	if rt.ReadReceipts == "" {
		rt.ReadReceipts = ReadReceiptsVisible
	}
	if rt.Reconnect.MaxAttempts == 0 {
		rt.Reconnect.MaxAttempts = 5
	}
	if rt.Reconnect.InitialDelay == 0 {
		rt.Reconnect.InitialDelay = time.Second
	}
	if rt.Reconnect.MaxDelay == 0 {
		rt.Reconnect.MaxDelay = 30 * time.Second
	}
	if rt.Reconnect.Factor == 0 {
		rt.Reconnect.Factor = 2
	}
	if rt.Reconnect.Jitter == nil {
		enabled := true
		rt.Reconnect.Jitter = &enabled
	}
	if rt.DialTimeout == 0 {
		rt.DialTimeout = 10 * time.Second
	}
	if rt.PingInterval == 0 {
		rt.PingInterval = 30 * time.Second
	}
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = 10 * time.Second
	}
	if rt.MaxFrameBytes == 0 {
		rt.MaxFrameBytes = 1 << 20
	}
	if rt.ValidateFrames == nil {
		enabled := true
		rt.ValidateFrames = &enabled
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "huddle"
	}

	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = ":8000"
	}
	if cfg.Relay.AccessTTL == 0 {
		cfg.Relay.AccessTTL = 15 * time.Minute
	}
	if cfg.Relay.RefreshTTL == 0 {
		cfg.Relay.RefreshTTL = 24 * time.Hour
	}
}

func deriveWSURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = ""
	return u.String()
}

func validate(cfg *Config) error {
	var issues []string

	if u, err := url.Parse(cfg.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		issues = append(issues, fmt.Sprintf("server.base_url must be an http(s) URL, got %q", cfg.Server.BaseURL))
	}
	if u, err := url.Parse(cfg.Server.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		issues = append(issues, fmt.Sprintf("server.ws_url must be a ws(s) URL, got %q", cfg.Server.WSURL))
	}
	if !strings.Contains(cfg.Server.Paths.Chat, "{peer_id}") {
		issues = append(issues, "server.paths.chat must contain {peer_id}")
	}

	rt := cfg.Realtime
	switch rt.ReadReceipts {
	case ReadReceiptsVisible, ReadReceiptsOnReceive:
	default:
		issues = append(issues, fmt.Sprintf("realtime.read_receipts must be %q or %q, got %q", ReadReceiptsVisible, ReadReceiptsOnReceive, rt.ReadReceipts))
	}
	for name, ms := range rt.Debounce.ByWindow {
		switch name {
		case debounce.WindowConnect, debounce.WindowReadReceipts, debounce.WindowNotifications:
		default:
			issues = append(issues, fmt.Sprintf("realtime.debounce.by_window has unknown window %q", name))
		}
		if ms < 0 {
			issues = append(issues, fmt.Sprintf("realtime.debounce.by_window.%s must be >= 0", name))
		}
	}
	if rt.Reconnect.MaxAttempts < 0 {
		issues = append(issues, "realtime.reconnect.max_attempts must be >= 0")
	}
	if rt.Reconnect.Factor < 1 {
		issues = append(issues, "realtime.reconnect.factor must be >= 1")
	}
	if rt.Reconnect.MaxDelay < rt.Reconnect.InitialDelay {
		issues = append(issues, "realtime.reconnect.max_delay must be >= initial_delay")
	}
	if rt.MaxFrameBytes < 0 {
		issues = append(issues, "realtime.max_frame_bytes must be >= 0")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", cfg.Logging.Format))
	}
	if rate := cfg.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sample_rate must be between 0 and 1")
	}
	if cfg.Observability.Tracing.Enabled && strings.TrimSpace(cfg.Observability.Tracing.Endpoint) == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
}
