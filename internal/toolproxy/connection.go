package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"toolmesh/internal/bus"
	"toolmesh/internal/protocol"
	"toolmesh/pkg/logging"
)

// ConnState is the lifecycle state of one managed tool-server connection.
type ConnState string

const (
	ConnAbsent   ConnState = "absent"
	ConnStarting ConnState = "starting"
	ConnRunning  ConnState = "running"
	ConnStopping ConnState = "stopping"
)

// ToolID derives the bus-wide tool id from the owning server config and
// the tool's protocol name. The control plane and both proxies rely on
// this derivation being stable.
func ToolID(serverID, toolName string) string {
	return serverID + ":" + toolName
}

// Connection manages one MCP tool-server client: its lifecycle, its tool
// list, and the call-routing subscriptions for every tool it hosts.
// Start/stop transitions are serialized per connection; different
// connections reconcile concurrently.
type Connection struct {
	manager *Manager

	// transMu serializes lifecycle transitions for this id.
	transMu sync.Mutex

	mu     sync.RWMutex
	state  ConnState
	config protocol.ServerConfig
	client MCPClient
	tools  []mcp.Tool
	subs   []*bus.Subscription
}

func newConnection(m *Manager, cfg protocol.ServerConfig) *Connection {
	return &Connection{
		manager: m,
		state:   ConnAbsent,
		config:  cfg,
	}
}

// State returns the connection's current state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Config returns the config this connection was started with.
func (c *Connection) Config() protocol.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Tools returns the current tool list.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Connection) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// start spawns the client, fetches the initial tool list and wires the
// call-routing subscriptions. A failed start tears down any partial
// state and leaves the connection absent; recovery is the next config
// push, not an internal retry.
func (c *Connection) start(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if c.State() == ConnRunning {
		return nil
	}

	cfg := c.Config()
	c.setState(ConnStarting)
	logging.Info("ToolProxy", "Starting connection %s (%s)", cfg.Name, cfg.ID)

	client := c.manager.newClient(cfg)
	client.OnToolListChanged(func() {
		// Served from the client's notification goroutine; refresh on a
		// fresh context so a canceled start ctx cannot wedge updates.
		go c.refreshTools(context.Background())
	})

	if err := client.Initialize(ctx); err != nil {
		c.setState(ConnAbsent)
		return fmt.Errorf("connection %s: %w", cfg.ID, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		c.setState(ConnAbsent)
		return fmt.Errorf("connection %s: %w", cfg.ID, err)
	}

	subs, err := c.subscribeCalls(ctx, cfg, tools)
	if err != nil {
		client.Close()
		c.setState(ConnAbsent)
		return fmt.Errorf("connection %s: %w", cfg.ID, err)
	}

	c.mu.Lock()
	c.client = client
	c.tools = tools
	c.subs = subs
	c.state = ConnRunning
	c.mu.Unlock()

	logging.Info("ToolProxy", "Connection %s running with %d tools", cfg.Name, len(tools))
	c.manager.publishCatalog(ctx)
	return nil
}

// stop drains the call subscriptions before releasing the client, so
// in-flight replies are not dropped mid-write.
func (c *Connection) stop(ctx context.Context) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.Lock()
	if c.state == ConnAbsent {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnStopping
	client := c.client
	subs := c.subs
	c.client = nil
	c.subs = nil
	c.tools = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	var err error
	if client != nil {
		err = client.Close()
	}

	c.setState(ConnAbsent)
	logging.Info("ToolProxy", "Connection %s stopped", c.Config().ID)
	c.manager.publishCatalog(ctx)
	return err
}

// subscribeCalls wires one call-routing subscription per tool, scoped to
// this runtime for RunOn=AGENT and broadcast otherwise.
func (c *Connection) subscribeCalls(ctx context.Context, cfg protocol.ServerConfig, tools []mcp.Tool) ([]*bus.Subscription, error) {
	runtimeID := c.manager.identity.RuntimeID()

	var subs []*bus.Subscription
	for _, tool := range tools {
		id := ToolID(cfg.ID, tool.Name)
		var subject string
		if cfg.RunOn == protocol.RunOnAgent {
			subject = protocol.ToolCallSubject(id, runtimeID)
		} else {
			subject = protocol.ToolBroadcastSubject(id)
		}

		sub, err := c.manager.transport.Subscribe(ctx, subject)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)

		go c.serveCalls(sub)
	}
	return subs, nil
}

// serveCalls executes routed call requests arriving on one subscription.
func (c *Connection) serveCalls(sub *bus.Subscription) {
	for ev := range sub.Events() {
		req, ok := ev.Msg.(*protocol.ToolCallRequest)
		if !ok {
			continue
		}
		go c.handleCall(context.Background(), req, ev.ReplyTo)
	}
}

func (c *Connection) handleCall(ctx context.Context, req *protocol.ToolCallRequest, replyTo string) {
	cfg := c.Config()

	tool, ok := c.findTool(req.ToolID)
	if !ok {
		// Another runtime is expected to own this tool id.
		logging.Debug("ToolProxy", "Ignoring call for unknown tool %s on %s", req.ToolID, cfg.ID)
		return
	}

	logging.Debug("ToolProxy", "Executing %s (call %s) on %s", req.ToolID, req.CallID, cfg.Name)

	if err := validateArguments(tool, req.Arguments); err != nil {
		c.reply(ctx, replyTo, protocol.ToolCallResponse{
			CallID:       req.CallID,
			Error:        fmt.Sprintf("invalid arguments: %v", err),
			ExecutedByID: c.manager.identity.RuntimeID(),
		})
		return
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return
	}

	result, err := client.CallTool(ctx, tool.Name, req.Arguments)
	resp := protocol.ToolCallResponse{
		CallID:       req.CallID,
		ExecutedByID: c.manager.identity.RuntimeID(),
	}
	switch {
	case err != nil:
		resp.Error = err.Error()
	case result != nil && result.IsError:
		resp.Error = textContent(result)
	default:
		resp.Result = resultContent(result)
	}

	c.reply(ctx, replyTo, resp)
}

func (c *Connection) reply(ctx context.Context, replyTo string, resp protocol.ToolCallResponse) {
	if err := c.manager.transport.Reply(ctx, replyTo, &resp); err != nil {
		logging.Error("ToolProxy", err, "Failed to reply for call %s", resp.CallID)
	}
}

func (c *Connection) findTool(toolID string) (mcp.Tool, bool) {
	cfg := c.Config()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if ToolID(cfg.ID, t.Name) == toolID {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

// updateRouting replaces the config in place. A RunOn change rewires
// the call subscriptions without respawning the server; a Name change
// needs no rewiring at all.
func (c *Connection) updateRouting(ctx context.Context, cfg protocol.ServerConfig) error {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	old := c.Config()
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()

	if c.State() != ConnRunning || old.RunOn == cfg.RunOn {
		return nil
	}

	c.mu.RLock()
	tools := c.tools
	oldSubs := c.subs
	c.mu.RUnlock()

	subs, err := c.subscribeCalls(ctx, cfg, tools)
	if err != nil {
		return fmt.Errorf("connection %s: %w", cfg.ID, err)
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
	for _, sub := range oldSubs {
		sub.Close()
	}

	logging.Info("ToolProxy", "Rerouted calls for %s to %s", cfg.ID, cfg.RunOn)
	c.manager.publishCatalog(ctx)
	return nil
}

// refreshTools re-fetches the tool list after a tools/list_changed
// notification, rewires call subscriptions and republishes the catalog.
func (c *Connection) refreshTools(ctx context.Context) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.RLock()
	client := c.client
	state := c.state
	oldSubs := c.subs
	c.mu.RUnlock()

	if state != ConnRunning || client == nil {
		return
	}

	cfg := c.Config()
	tools, err := client.ListTools(ctx)
	if err != nil {
		logging.Warn("ToolProxy", "Failed to refresh tools for %s: %v", cfg.ID, err)
		return
	}

	subs, err := c.subscribeCalls(ctx, cfg, tools)
	if err != nil {
		logging.Warn("ToolProxy", "Failed to rewire call routing for %s: %v", cfg.ID, err)
		return
	}

	c.mu.Lock()
	c.tools = tools
	c.subs = subs
	c.mu.Unlock()

	for _, sub := range oldSubs {
		sub.Close()
	}

	logging.Info("ToolProxy", "Tool list for %s changed, now %d tools", cfg.Name, len(tools))
	c.manager.publishCatalog(ctx)
}

// descriptors converts the connection's tools to catalog entries.
func (c *Connection) descriptors() []protocol.ToolDescriptor {
	cfg := c.Config()
	runtimeID := c.manager.identity.RuntimeID()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []protocol.ToolDescriptor
	for _, t := range c.tools {
		out = append(out, protocol.ToolDescriptor{
			ID:          ToolID(cfg.ID, t.Name),
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
			Status:      protocol.ToolStatusActive,
			ServerID:    cfg.ID,
			RunOn:       cfg.RunOn,
			RuntimeID:   runtimeID,
		})
	}
	return out
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func textContent(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "tool returned an error"
}

func resultContent(result *mcp.CallToolResult) any {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
