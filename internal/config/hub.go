package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HubConfig is the complete hub configuration.
type HubConfig struct {
	Hub       HubSection      `yaml:"hub"`
	Listen    ListenConfig    `yaml:"listen"`
	Tunnels   TunnelsConfig   `yaml:"tunnels"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Health    HealthConfig    `yaml:"health"`
	Control   ControlConfig   `yaml:"control"`
}

// HubSection contains process-wide hub settings.
type HubSection struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ListenConfig is where agents connect.
type ListenConfig struct {
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"`
	TLS       TLSConfig `yaml:"tls"`
	Plaintext bool      `yaml:"plaintext"`
}

// TLSConfig holds certificate paths.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// TunnelsConfig controls tunnel listeners and relays.
type TunnelsConfig struct {
	BindHost       string        `yaml:"bind_host"`
	PortRangeStart int           `yaml:"port_range_start"`
	PortRangeEnd   int           `yaml:"port_range_end"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	BindAttempts   int           `yaml:"bind_attempts"`
}

// AuthConfig configures agent tokens and the admin credential.
type AuthConfig struct {
	Secret            string        `yaml:"secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	RotationGrace     time.Duration `yaml:"rotation_grace"`
	AdminUser         string        `yaml:"admin_user"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxConnectionsPerListener int           `yaml:"max_connections_per_listener"` // 0 = unlimited
	AcceptRate                float64       `yaml:"accept_rate"`                  // connections per second, 0 = unlimited
	AcceptBurst               int           `yaml:"accept_burst"`
	FrameSize                 ByteSize      `yaml:"frame_size"` // max payload read from a client socket per data frame
	WriteQueue                int           `yaml:"write_queue"`
	SendQueue                 int           `yaml:"send_queue"`
	SocketWriteTimeout        time.Duration `yaml:"socket_write_timeout"` // per write to a client socket
}

// KeepaliveConfig controls transport pings on agent channels.
type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// DefaultHub returns a HubConfig with default values.
func DefaultHub() *HubConfig {
	return &HubConfig{
		Hub: HubSection{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Address: ":8443",
			Path:    "/agent",
		},
		Tunnels: TunnelsConfig{
			BindHost:       "127.0.0.1",
			PortRangeStart: 23000,
			PortRangeEnd:   23999,
			DialTimeout:    10 * time.Second,
			ReservationTTL: 5 * time.Minute,
			BindAttempts:   3,
		},
		Auth: AuthConfig{
			TokenTTL:      24 * time.Hour,
			RotationGrace: 7 * 24 * time.Hour,
		},
		Limits: LimitsConfig{
			MaxConnectionsPerListener: 1000,
			AcceptRate:                200,
			AcceptBurst:               50,
			FrameSize:                 32 * 1024,
			WriteQueue:                64,
			SendQueue:                 256,
			SocketWriteTimeout:        10 * time.Second,
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
		},
	}
}

// LoadHub reads and parses a hub configuration file.
func LoadHub(path string) (*HubConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseHub(data)
}

// ParseHub parses hub configuration from YAML bytes on top of DefaultHub.
func ParseHub(data []byte) (*HubConfig, error) {
	cfg := DefaultHub()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *HubConfig) Validate() error {
	var errs []string

	if c.Hub.DataDir == "" {
		errs = append(errs, "hub.data_dir is required")
	}
	if !isValidLogLevel(c.Hub.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Hub.LogLevel))
	}
	if !isValidLogFormat(c.Hub.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Hub.LogFormat))
	}

	if !isValidHostPort(c.Listen.Address) {
		errs = append(errs, fmt.Sprintf("listen.address: invalid address %q", c.Listen.Address))
	}
	if !strings.HasPrefix(c.Listen.Path, "/") {
		errs = append(errs, "listen.path must start with /")
	}
	if !c.Listen.Plaintext && (c.Listen.TLS.Cert == "" || c.Listen.TLS.Key == "") {
		errs = append(errs, "listen.tls.cert and listen.tls.key are required unless listen.plaintext is set")
	}

	if c.Tunnels.BindHost == "" {
		errs = append(errs, "tunnels.bind_host is required")
	}
	if !isValidPort(c.Tunnels.PortRangeStart) || !isValidPort(c.Tunnels.PortRangeEnd) ||
		c.Tunnels.PortRangeStart > c.Tunnels.PortRangeEnd {
		errs = append(errs, fmt.Sprintf("tunnels: invalid port range %d-%d", c.Tunnels.PortRangeStart, c.Tunnels.PortRangeEnd))
	}
	if c.Tunnels.DialTimeout <= 0 {
		errs = append(errs, "tunnels.dial_timeout must be positive")
	}
	if c.Tunnels.ReservationTTL < 0 {
		errs = append(errs, "tunnels.reservation_ttl must not be negative")
	}
	if c.Tunnels.BindAttempts < 1 {
		errs = append(errs, "tunnels.bind_attempts must be at least 1")
	}

	if len(c.Auth.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if c.Auth.RotationGrace < 0 {
		errs = append(errs, "auth.rotation_grace must not be negative")
	}
	if (c.Auth.AdminUser == "") != (c.Auth.AdminPasswordHash == "") {
		errs = append(errs, "auth.admin_user and auth.admin_password_hash must be set together")
	}

	if c.Limits.MaxConnectionsPerListener < 0 {
		errs = append(errs, "limits.max_connections_per_listener must not be negative")
	}
	if c.Limits.AcceptRate < 0 {
		errs = append(errs, "limits.accept_rate must not be negative")
	}
	if c.Limits.AcceptRate > 0 && c.Limits.AcceptBurst < 1 {
		errs = append(errs, "limits.accept_burst must be positive when accept_rate is set")
	}
	if c.Limits.FrameSize < 512 || c.Limits.FrameSize > 1024*1024 {
		errs = append(errs, "limits.frame_size must be between 512B and 1MiB")
	}
	if c.Limits.WriteQueue < 1 {
		errs = append(errs, "limits.write_queue must be positive")
	}
	if c.Limits.SendQueue < 1 {
		errs = append(errs, "limits.send_queue must be positive")
	}
	if c.Limits.SocketWriteTimeout <= 0 {
		errs = append(errs, "limits.socket_write_timeout must be positive")
	}

	if c.Keepalive.Interval < 0 || c.Keepalive.Timeout < 0 {
		errs = append(errs, "keepalive durations must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	return joinErrors(errs)
}

// String returns the redacted config as YAML.
func (c *HubConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config with secrets replaced.
// This is safe to log or display to users.
func (c *HubConfig) Redacted() *HubConfig {
	cp := *c
	if cp.Auth.Secret != "" {
		cp.Auth.Secret = redactedValue
	}
	if cp.Auth.AdminPasswordHash != "" {
		cp.Auth.AdminPasswordHash = redactedValue
	}
	// TLS key paths point to sensitive files
	if cp.Listen.TLS.Key != "" {
		cp.Listen.TLS.Key = redactedValue
	}
	return &cp
}
