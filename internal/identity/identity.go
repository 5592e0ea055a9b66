// Package identity holds the per-process runtime identity and the
// liveness heartbeat built on top of the bus transport.
package identity

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolmesh/internal/protocol"
)

// Identity is the single source of truth for who this runtime is.
// RuntimeID and RegistrationID are assigned by the control plane on the
// first successful connect; until then the runtime is unregistered.
// Every component reads through this struct instead of caching a copy,
// so a reconnect never leaves stale identity behind.
type Identity struct {
	mu sync.RWMutex

	runtimeID      string
	registrationID string
	workspaceID    string

	name      string
	processID string
	hostIP    string
	hostname  string
	version   string
	startedAt time.Time

	capabilities map[protocol.Capability]bool
}

// New creates an unregistered identity. Host metadata is discovered once
// at construction.
func New(name, workspaceID, version string) *Identity {
	hostname, _ := os.Hostname()
	return &Identity{
		name:         name,
		workspaceID:  workspaceID,
		processID:    uuid.NewString(),
		hostIP:       outboundIP(),
		hostname:     hostname,
		version:      version,
		startedAt:    time.Now().UTC(),
		capabilities: make(map[protocol.Capability]bool),
	}
}

// outboundIP discovers the host's preferred outbound address. No packet
// is sent; the UDP dial only resolves the local endpoint.
func outboundIP() string {
	conn, err := net.Dial("udp", "198.51.100.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Name returns the configured runtime name.
func (i *Identity) Name() string {
	return i.name
}

// ProcessID returns the per-process unique id.
func (i *Identity) ProcessID() string {
	return i.processID
}

// RuntimeID returns the control-plane assigned runtime id, empty while
// unregistered.
func (i *Identity) RuntimeID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.runtimeID
}

// RegistrationID returns the control-plane assigned registration id,
// empty while unregistered.
func (i *Identity) RegistrationID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.registrationID
}

// WorkspaceID returns the workspace this runtime belongs to.
func (i *Identity) WorkspaceID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.workspaceID
}

// Registered reports whether the control plane has assigned identity
// fields.
func (i *Identity) Registered() bool {
	return i.RegistrationID() != ""
}

// SetRegistration stores the identity fields assigned by the control
// plane.
func (i *Identity) SetRegistration(ack protocol.RuntimeConnectAck) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.runtimeID = ack.RuntimeID
	i.registrationID = ack.RegistrationID
	if ack.WorkspaceID != "" {
		i.workspaceID = ack.WorkspaceID
	}
}

// ClearRegistration drops the assigned fields, e.g. before a reconnect
// re-registers from scratch.
func (i *Identity) ClearRegistration() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.runtimeID = ""
	i.registrationID = ""
}

// SetCapability enables or disables one capability. Capabilities mutate
// at runtime, e.g. agent auto-promotion.
func (i *Identity) SetCapability(cap protocol.Capability, enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if enabled {
		i.capabilities[cap] = true
	} else {
		delete(i.capabilities, cap)
	}
}

// HasCapability reports whether cap is currently enabled.
func (i *Identity) HasCapability(cap protocol.Capability) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.capabilities[cap]
}

// Capabilities returns the current capability set in stable order.
func (i *Identity) Capabilities() []protocol.Capability {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var caps []protocol.Capability
	for _, c := range []protocol.Capability{protocol.CapabilityAgent, protocol.CapabilityTool} {
		if i.capabilities[c] {
			caps = append(caps, c)
		}
	}
	return caps
}

// ConnectRequest builds the register request sent to the control plane.
func (i *Identity) ConnectRequest() protocol.RuntimeConnectRequest {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var caps []protocol.Capability
	for _, c := range []protocol.Capability{protocol.CapabilityAgent, protocol.CapabilityTool} {
		if i.capabilities[c] {
			caps = append(caps, c)
		}
	}

	return protocol.RuntimeConnectRequest{
		Name:         i.name,
		ProcessID:    i.processID,
		HostIP:       i.hostIP,
		Hostname:     i.hostname,
		WorkspaceID:  i.workspaceID,
		Capabilities: caps,
		Version:      i.version,
		StartedAt:    i.startedAt,
	}
}
