package config

import (
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the complete agent configuration.
type AgentConfig struct {
	Agent       AgentSection    `yaml:"agent"`
	TLS         AgentTLSConfig  `yaml:"tls"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	Services    []ServiceConfig `yaml:"services"`
	Forwards    []ForwardConfig `yaml:"forwards"`
}

// AgentSection contains agent identity and hub connection settings.
type AgentSection struct {
	ID                string        `yaml:"id"`
	Token             string        `yaml:"token"`
	HubURL            string        `yaml:"hub_url"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// RotateToken exchanges an expired token at the hub's rotate endpoint
	// and retries instead of giving up.
	RotateToken bool `yaml:"rotate_token"`
}

// AgentTLSConfig controls verification of the hub certificate.
type AgentTLSConfig struct {
	// CA is a PEM bundle trusted instead of the system roots.
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ServiceConfig is a local service exposed through the hub.
// TunnelPort 0 lets the hub pick a port.
type ServiceConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	TunnelPort int    `yaml:"tunnel_port"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
}

// ForwardConfig listens locally and bridges each connection to a service
// exposed by another agent.
type ForwardConfig struct {
	Listen    string `yaml:"listen"`
	ServiceID string `yaml:"service_id"`
}

// DefaultAgent returns an AgentConfig with default values.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Agent: AgentSection{
			LogLevel:          "info",
			LogFormat:         "text",
			HeartbeatInterval: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
		},
		DialTimeout: 10 * time.Second,
		Services:    []ServiceConfig{},
		Forwards:    []ForwardConfig{},
	}
}

// LoadAgent reads and parses an agent configuration file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAgent(data)
}

// ParseAgent parses agent configuration from YAML bytes on top of DefaultAgent.
func ParseAgent(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *AgentConfig) Validate() error {
	var errs []string

	if c.Agent.ID == "" {
		errs = append(errs, "agent.id is required")
	}
	if c.Agent.Token == "" {
		errs = append(errs, "agent.token is required")
	}
	if u, err := url.Parse(c.Agent.HubURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("agent.hub_url: must be a ws:// or wss:// URL, got %q", c.Agent.HubURL))
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeat_interval must be positive")
	}

	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect: initial_delay must be positive and not above max_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be at least 1")
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "dial_timeout must be positive")
	}

	ids := make(map[string]bool)
	for i, s := range c.Services {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("services[%d]: id is required", i))
		} else if ids[s.ID] {
			errs = append(errs, fmt.Sprintf("services[%d]: duplicate id %s", i, s.ID))
		}
		ids[s.ID] = true
		if s.TargetHost == "" || !isValidPort(s.TargetPort) {
			errs = append(errs, fmt.Sprintf("services[%d]: target_host and target_port are required", i))
		}
		if s.TunnelPort < 0 || s.TunnelPort > 65535 {
			errs = append(errs, fmt.Sprintf("services[%d]: tunnel_port out of range", i))
		}
	}

	for i, f := range c.Forwards {
		if !isValidHostPort(f.Listen) {
			errs = append(errs, fmt.Sprintf("forwards[%d]: invalid listen address %q", i, f.Listen))
		}
		if f.ServiceID == "" {
			errs = append(errs, fmt.Sprintf("forwards[%d]: service_id is required", i))
		}
	}

	return joinErrors(errs)
}

// String returns the redacted config as YAML.
func (c *AgentConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config with the token replaced.
func (c *AgentConfig) Redacted() *AgentConfig {
	cp := *c
	if cp.Agent.Token != "" {
		cp.Agent.Token = redactedValue
	}
	return &cp
}
