// Package protocol defines the wire contract shared by every runtime and
// the control plane: message payloads, their type names, and the subject
// naming scheme used on the message bus.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Capability is a runtime's declared role on the control plane.
type Capability string

const (
	CapabilityAgent Capability = "agent"
	CapabilityTool  Capability = "tool"
)

// Transport selects how a managed tool server is reached.
type Transport string

const (
	TransportStdio  Transport = "STDIO"
	TransportStream Transport = "STREAM"
)

// RunOn is the routing policy for a tool server's calls.
type RunOn string

const (
	// RunOnAgent routes calls to exactly the runtime hosting the agent's
	// tools.
	RunOnAgent RunOn = "AGENT"
	// RunOnEdge broadcasts calls to every capable runtime; the first
	// responder wins.
	RunOnEdge RunOn = "EDGE"
	// RunOnGlobal behaves like RunOnEdge but for globally shared servers.
	RunOnGlobal RunOn = "GLOBAL"
)

// ServerConfig describes one managed MCP tool-server connection as pushed
// by the control plane. A push always carries the full desired set, never
// a delta.
type ServerConfig struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ServerURL string            `json:"serverUrl,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	RunOn     RunOn             `json:"runOn"`
}

// Signature identifies the connection-relevant parts of the config. Two
// configs with equal signatures can share a running connection; a
// signature change requires a restart. RunOn and Name are deliberately
// excluded: changing them re-routes calls without respawning the server.
func (c ServerConfig) Signature() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", c.Transport, c.Command, strings.Join(c.Args, "\x00"), c.ServerURL)

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%s", k, c.Env[k])
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ToolStatus marks whether a tool is currently callable.
type ToolStatus string

const (
	ToolStatusActive   ToolStatus = "ACTIVE"
	ToolStatusInactive ToolStatus = "INACTIVE"
)

// ToolDescriptor describes one tool owned by exactly one ServerConfig.
// The hosting runtime republishes its descriptors whenever the underlying
// server's tool list changes.
type ToolDescriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
	Status      ToolStatus     `json:"status"`
	ServerID    string         `json:"serverId"`
	RunOn       RunOn          `json:"runOn"`
	RuntimeID   string         `json:"runtimeId"`
}

// Root is a filesystem root exposed to subprocess-backed tool servers.
type Root struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RuntimeConnectRequest registers a runtime with the control plane.
type RuntimeConnectRequest struct {
	Name         string       `json:"name"`
	ProcessID    string       `json:"processId"`
	HostIP       string       `json:"hostIP"`
	Hostname     string       `json:"hostname"`
	WorkspaceID  string       `json:"workspaceId"`
	Capabilities []Capability `json:"capabilities"`
	Version      string       `json:"version"`
	StartedAt    time.Time    `json:"startedAt"`
}

// RuntimeConnectAck carries the identity fields assigned by the control
// plane on a successful register.
type RuntimeConnectAck struct {
	RuntimeID      string `json:"runtimeId"`
	RegistrationID string `json:"registrationId"`
	WorkspaceID    string `json:"workspaceId"`
}

// CapabilityUpdateRequest announces a changed capability set, e.g. after
// agent auto-promotion.
type CapabilityUpdateRequest struct {
	RegistrationID string       `json:"registrationId"`
	Capabilities   []Capability `json:"capabilities"`
}

// CapabilityUpdateAck acknowledges a capability update.
type CapabilityUpdateAck struct {
	OK bool `json:"ok"`
}

// ConfigPush is the control plane's desired configuration for one
// registration: the full replacement set of tool servers plus filesystem
// roots.
type ConfigPush struct {
	RegistrationID string         `json:"registrationId"`
	Servers        []ServerConfig `json:"servers"`
	Roots          []Root         `json:"roots,omitempty"`
}

// CatalogUpdate publishes the tool catalog hosted by one runtime. Not
// acknowledged.
type CatalogUpdate struct {
	RegistrationID string           `json:"registrationId"`
	Tools          []ToolDescriptor `json:"tools"`
}

// ToolCallRequest asks a capable runtime to execute one tool call.
type ToolCallRequest struct {
	CallID    string         `json:"callId"`
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CallerID  string         `json:"callerId"`
}

// ToolCallResponse is the single response correlated to a
// ToolCallRequest: either a result or an error, never both.
type ToolCallResponse struct {
	CallID       string `json:"callId"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	ExecutedByID string `json:"executedById"`
}

// Message type names as they appear on the wire.
const (
	TypeRuntimeConnectRequest   = "runtime.connect.request"
	TypeRuntimeConnectAck       = "runtime.connect.ack"
	TypeCapabilityUpdateRequest = "runtime.capabilities.request"
	TypeCapabilityUpdateAck     = "runtime.capabilities.ack"
	TypeConfigPush              = "runtime.config.push"
	TypeCatalogUpdate           = "runtime.catalog.update"
	TypeToolCallRequest         = "tool.call.request"
	TypeToolCallResponse        = "tool.call.response"
)

func (RuntimeConnectRequest) MessageType() string   { return TypeRuntimeConnectRequest }
func (RuntimeConnectAck) MessageType() string       { return TypeRuntimeConnectAck }
func (CapabilityUpdateRequest) MessageType() string { return TypeCapabilityUpdateRequest }
func (CapabilityUpdateAck) MessageType() string     { return TypeCapabilityUpdateAck }
func (ConfigPush) MessageType() string              { return TypeConfigPush }
func (CatalogUpdate) MessageType() string           { return TypeCatalogUpdate }
func (ToolCallRequest) MessageType() string         { return TypeToolCallRequest }
func (ToolCallResponse) MessageType() string        { return TypeToolCallResponse }
