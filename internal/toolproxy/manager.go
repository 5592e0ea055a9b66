package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toolmesh/internal/bus"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
	"toolmesh/pkg/logging"
)

// RootsEnvVar carries the workspace roots to subprocess tool servers as
// a JSON array.
const RootsEnvVar = "TOOLMESH_ROOTS"

// ClientFactory builds an MCP client for one server config. extraEnv is
// merged over the config's own env for subprocess transports.
type ClientFactory func(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient

func defaultClientFactory(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient {
	if cfg.Transport == protocol.TransportStream {
		return NewStreamClient(cfg.ServerURL, cfg.Headers)
	}
	env := make(map[string]string, len(cfg.Env)+len(extraEnv))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for k, v := range extraEnv {
		env[k] = v
	}
	return NewStdioClient(cfg.Command, cfg.Args, env)
}

// Manager reconciles the control plane's pushed server set against the
// locally running connections and routes tool calls to them. It is the
// runtime's tool capability: without a running Manager this process
// hosts no tools.
type Manager struct {
	transport *bus.Transport
	identity  *identity.Identity
	factory   ClientFactory

	mu          sync.RWMutex
	connections map[string]*Connection
	roots       []protocol.Root

	configSub *bus.Subscription
	wg        sync.WaitGroup
}

// NewManager creates a manager bound to the shared transport and
// identity.
func NewManager(transport *bus.Transport, id *identity.Identity) *Manager {
	return &Manager{
		transport:   transport,
		identity:    id,
		factory:     defaultClientFactory,
		connections: make(map[string]*Connection),
	}
}

// SetClientFactory replaces the MCP client constructor. Must be called
// before StartRunner.
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.factory = f
}

// Name implements services.Runner.
func (m *Manager) Name() string {
	return "tool-proxy"
}

// StartRunner subscribes to this registration's config subject and
// starts applying pushes. It requires a registered identity.
func (m *Manager) StartRunner(ctx context.Context) error {
	regID := m.identity.RegistrationID()
	if regID == "" {
		return fmt.Errorf("tool proxy requires a registered runtime")
	}

	sub, err := m.transport.Subscribe(ctx, protocol.RuntimeSubject(regID))
	if err != nil {
		return fmt.Errorf("failed to subscribe to config subject: %w", err)
	}
	m.configSub = sub

	m.wg.Add(1)
	go m.serveConfig(sub)

	logging.Info("ToolProxy", "Watching configuration for registration %s", regID)
	return nil
}

// StopRunner stops the config watch and tears down every connection.
func (m *Manager) StopRunner(ctx context.Context) error {
	if m.configSub != nil {
		m.configSub.Close()
		m.configSub = nil
	}
	m.wg.Wait()
	return m.Apply(ctx, nil)
}

func (m *Manager) serveConfig(sub *bus.Subscription) {
	defer m.wg.Done()
	for ev := range sub.Events() {
		push, ok := ev.Msg.(*protocol.ConfigPush)
		if !ok {
			continue
		}
		ctx := context.Background()
		m.SetRoots(ctx, push.Roots)
		if err := m.Apply(ctx, push.Servers); err != nil {
			logging.Error("ToolProxy", err, "Configuration push applied with errors")
		}
	}
}

// Apply reconciles the desired server set against the running
// connections: removed ids stop, unchanged signatures stay, changed
// signatures restart, new ids start. Different ids reconcile
// concurrently; a failure on one never aborts the others, and there is
// no internal retry. Recovery is the next push.
func (m *Manager) Apply(ctx context.Context, servers []protocol.ServerConfig) error {
	desired := make(map[string]protocol.ServerConfig, len(servers))
	for _, cfg := range servers {
		desired[cfg.ID] = cfg
	}

	m.mu.Lock()
	var toStop []*Connection
	for id, conn := range m.connections {
		if _, keep := desired[id]; !keep {
			toStop = append(toStop, conn)
			delete(m.connections, id)
		}
	}
	type action struct {
		conn    *Connection
		cfg     protocol.ServerConfig
		restart bool
		rewire  bool
	}
	var actions []action
	for id, cfg := range desired {
		existing, ok := m.connections[id]
		switch {
		case !ok:
			conn := newConnection(m, cfg)
			m.connections[id] = conn
			actions = append(actions, action{conn: conn, cfg: cfg})
		case existing.Config().Signature() != cfg.Signature():
			actions = append(actions, action{conn: existing, cfg: cfg, restart: true})
		case existing.State() != ConnRunning:
			// A connection whose earlier start failed recovers on the
			// next push.
			actions = append(actions, action{conn: existing, cfg: cfg, restart: true})
		default:
			actions = append(actions, action{conn: existing, cfg: cfg, rewire: true})
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	gctx := ctx
	for _, conn := range toStop {
		conn := conn
		g.Go(func() error {
			if err := conn.stop(gctx); err != nil {
				logging.Warn("ToolProxy", "Failed to stop connection %s: %v", conn.Config().ID, err)
			}
			return nil
		})
	}
	var errMu sync.Mutex
	var errs []error
	for _, a := range actions {
		a := a
		g.Go(func() error {
			var err error
			switch {
			case a.restart:
				if err = a.conn.stop(gctx); err == nil {
					a.conn.mu.Lock()
					a.conn.config = a.cfg
					a.conn.mu.Unlock()
					err = a.conn.start(gctx)
				}
			case a.rewire:
				err = a.conn.updateRouting(gctx, a.cfg)
			default:
				err = a.conn.start(gctx)
			}
			if err != nil {
				logging.Error("ToolProxy", err, "Failed to reconcile connection %s", a.cfg.ID)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d connections failed to reconcile: %w", len(errs), len(actions), errs[0])
	}
	return nil
}

// SetRoots stores the workspace roots and restarts running subprocess
// connections so they pick up the new environment. Streamed servers are
// unaffected.
func (m *Manager) SetRoots(ctx context.Context, roots []protocol.Root) {
	m.mu.Lock()
	if rootsEqual(m.roots, roots) {
		m.mu.Unlock()
		return
	}
	m.roots = roots
	var restart []*Connection
	for _, conn := range m.connections {
		if conn.Config().Transport == protocol.TransportStdio && conn.State() == ConnRunning {
			restart = append(restart, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range restart {
		if err := conn.stop(ctx); err != nil {
			logging.Warn("ToolProxy", "Failed to stop %s for roots change: %v", conn.Config().ID, err)
		}
		if err := conn.start(ctx); err != nil {
			logging.Error("ToolProxy", err, "Failed to restart %s after roots change", conn.Config().ID)
		}
	}
}

// Roots returns the current workspace roots.
func (m *Manager) Roots() []protocol.Root {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Root, len(m.roots))
	copy(out, m.roots)
	return out
}

func rootsEqual(a, b []protocol.Root) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rootsEnv renders the current roots as the subprocess environment
// extension.
func (m *Manager) rootsEnv() map[string]string {
	roots := m.Roots()
	if len(roots) == 0 {
		return nil
	}
	raw, err := json.Marshal(roots)
	if err != nil {
		return nil
	}
	return map[string]string{RootsEnvVar: string(raw)}
}

func (m *Manager) newClient(cfg protocol.ServerConfig) MCPClient {
	return m.factory(cfg, m.rootsEnv())
}

// Catalog returns the descriptors for every tool currently hosted by
// this runtime.
func (m *Manager) Catalog() []protocol.ToolDescriptor {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var tools []protocol.ToolDescriptor
	for _, c := range conns {
		if c.State() == ConnRunning {
			tools = append(tools, c.descriptors()...)
		}
	}
	return tools
}

// publishCatalog broadcasts this runtime's full catalog to the
// workspace. Fire-and-forget; a missed update is repaired by the next
// one.
func (m *Manager) publishCatalog(ctx context.Context) {
	update := protocol.CatalogUpdate{
		RegistrationID: m.identity.RegistrationID(),
		Tools:          m.Catalog(),
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.transport.Publish(pubCtx, protocol.CatalogSubject(m.identity.WorkspaceID()), &update); err != nil {
		logging.Warn("ToolProxy", "Failed to publish catalog: %v", err)
	}
}

// Connections returns a snapshot of the managed connections by id.
func (m *Manager) Connections() map[string]ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ConnState, len(m.connections))
	for id, c := range m.connections {
		out[id] = c.State()
	}
	return out
}
