// Package config loads and validates the runtime's configuration file.
// All tunables are externally supplied; validation fails fast at startup
// instead of surfacing misconfiguration later.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CapabilityMode is the tri-state agent capability flag.
type CapabilityMode string

const (
	CapabilityEnabled  CapabilityMode = "true"
	CapabilityDisabled CapabilityMode = "false"
	// CapabilityAuto leaves the capability undetermined until the first
	// completed agent handshake promotes it.
	CapabilityAuto CapabilityMode = "auto"
)

// Agent endpoint transports.
const (
	AgentTransportStdio          = "stdio"
	AgentTransportSSE            = "sse"
	AgentTransportStreamableHTTP = "streamable-http"
)

// Config is the top-level configuration structure.
type Config struct {
	// Name identifies this runtime toward the control plane.
	Name string `yaml:"name"`

	// Workspace is the workspace this runtime joins.
	Workspace string `yaml:"workspace"`

	// BusURL is the message bus connection URL (redis://...).
	BusURL string `yaml:"busUrl"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`

	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Agent        AgentConfig        `yaml:"agent,omitempty"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat,omitempty"`
	Roots        []RootConfig       `yaml:"roots,omitempty"`

	// RequestTimeout bounds bus request/reply round trips, including
	// routed tool calls.
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
}

// CapabilitiesConfig declares which roles this runtime offers.
type CapabilitiesConfig struct {
	// Agent is true, false or auto.
	Agent CapabilityMode `yaml:"agent,omitempty"`
	// Tool enables hosting MCP tool servers.
	Tool bool `yaml:"tool,omitempty"`
}

// AgentConfig configures the MCP endpoint exposed to agent clients.
type AgentConfig struct {
	Transport string `yaml:"transport,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
}

// HeartbeatConfig tunes the liveness record.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// RootConfig maps a named filesystem root exposed to tool servers.
type RootConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Capabilities.Agent == "" {
		c.Capabilities.Agent = CapabilityAuto
	}
	if c.Agent.Transport == "" {
		c.Agent.Transport = AgentTransportStreamableHTTP
	}
	if c.Agent.Host == "" {
		c.Agent.Host = "localhost"
	}
	if c.Agent.Port == 0 {
		c.Agent.Port = 8090
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("config: workspace is required")
	}
	if c.BusURL == "" {
		return fmt.Errorf("config: busUrl is required")
	}

	switch c.Capabilities.Agent {
	case CapabilityEnabled, CapabilityDisabled, CapabilityAuto:
	default:
		return fmt.Errorf("config: capabilities.agent must be true, false or auto, got %q", c.Capabilities.Agent)
	}

	switch c.Agent.Transport {
	case AgentTransportStdio, AgentTransportSSE, AgentTransportStreamableHTTP:
	default:
		return fmt.Errorf("config: agent.transport must be stdio, sse or streamable-http, got %q", c.Agent.Transport)
	}

	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("config: agent.port %d out of range", c.Agent.Port)
	}

	if c.Heartbeat.Interval < 0 || c.Heartbeat.TTL < 0 {
		return fmt.Errorf("config: heartbeat durations must not be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.TTL > 0 && c.Heartbeat.TTL <= c.Heartbeat.Interval {
		return fmt.Errorf("config: heartbeat.ttl (%s) must exceed heartbeat.interval (%s)", c.Heartbeat.TTL, c.Heartbeat.Interval)
	}

	for _, root := range c.Roots {
		if root.Name == "" {
			return fmt.Errorf("config: root with path %q has no name", root.Path)
		}
		info, err := os.Stat(root.Path)
		if err != nil {
			return fmt.Errorf("config: root %s: %w", root.Name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config: root %s: %s is not a directory", root.Name, root.Path)
		}
	}

	return nil
}
