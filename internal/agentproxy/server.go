package agentproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"toolmesh/internal/bus"
	"toolmesh/internal/config"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
	"toolmesh/pkg/logging"
)

// RootsFetcher obtains the agent client's filesystem roots after a
// completed handshake. Implementations may return nil when the client
// exposes none.
type RootsFetcher func(ctx context.Context) ([]protocol.Root, error)

// Options configures the agent-facing MCP endpoint.
type Options struct {
	// Transport is stdio, sse or streamable-http.
	Transport string
	Host      string
	Port      int
	Version   string

	// CallTimeout bounds each routed tool call.
	CallTimeout time.Duration
}

// Server is the runtime's agent capability: one MCP server endpoint
// whose tool list mirrors the workspace catalog and whose tool calls
// are routed over the bus.
type Server struct {
	opts      Options
	transport *bus.Transport
	identity  *identity.Identity
	catalog   *Catalog
	router    *Router

	mu                   sync.Mutex
	server               *mcpserver.MCPServer
	sseServer            *mcpserver.SSEServer
	streamableHTTPServer *mcpserver.StreamableHTTPServer
	stdioServer          *mcpserver.StdioServer
	active               map[string]protocol.ToolDescriptor

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	catalogSub *bus.Subscription

	handshakeOnce    sync.Once
	onFirstHandshake func()
	rootsFetcher     RootsFetcher
	onRoots          func([]protocol.Root)
}

// NewServer creates an agent proxy bound to the shared transport and
// identity.
func NewServer(opts Options, transport *bus.Transport, id *identity.Identity) *Server {
	if opts.Transport == "" {
		opts.Transport = config.AgentTransportStreamableHTTP
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Server{
		opts:      opts,
		transport: transport,
		identity:  id,
		catalog:   NewCatalog(),
		router:    NewRouter(transport, id),
		active:    make(map[string]protocol.ToolDescriptor),
	}
}

// OnFirstHandshake registers a callback fired exactly once, after the
// first agent client completes the MCP handshake. Must be set before
// StartRunner.
func (s *Server) OnFirstHandshake(fn func()) {
	s.onFirstHandshake = fn
}

// OnRoots registers the callback receiving client roots. Must be set
// before StartRunner.
func (s *Server) OnRoots(fn func([]protocol.Root)) {
	s.onRoots = fn
}

// SetRootsFetcher replaces the roots retrieval strategy. Must be set
// before StartRunner.
func (s *Server) SetRootsFetcher(f RootsFetcher) {
	s.rootsFetcher = f
}

// Catalog returns the catalog view backing this endpoint.
func (s *Server) Catalog() *Catalog {
	return s.catalog
}

// Name implements services.Runner.
func (s *Server) Name() string {
	return "agent-proxy"
}

// StartRunner subscribes to the workspace catalog and starts the MCP
// endpoint on the configured transport.
func (s *Server) StartRunner(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("agent proxy already started")
	}
	s.ctx, s.cancelFunc = context.WithCancel(context.WithoutCancel(ctx))

	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		s.gateOnCatalog(ctx)
	})
	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		s.handleHandshake(message)
	})
	hooks.AddBeforeListTools(func(ctx context.Context, id any, message *mcp.ListToolsRequest) {
		s.gateOnCatalog(ctx)
	})
	hooks.AddBeforeCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest) {
		s.gateOnCatalog(ctx)
	})

	s.server = mcpserver.NewMCPServer(
		"toolmesh-agent",
		s.opts.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	s.server.AddNotificationHandler("notifications/roots/list_changed", func(ctx context.Context, notification mcp.JSONRPCNotification) {
		logging.Debug("AgentProxy", "Client roots changed, re-fetching")
		go s.fetchRoots()
	})
	s.mu.Unlock()

	sub, err := s.transport.ObserveEphemeral(ctx, protocol.CatalogSubject(s.identity.WorkspaceID()), s.presenceKeys)
	if err != nil {
		return fmt.Errorf("failed to subscribe to catalog: %w", err)
	}
	s.catalogSub = sub

	s.wg.Add(2)
	go s.consumeCatalogUpdates(sub)
	go s.syncLoop()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	switch s.opts.Transport {
	case config.AgentTransportSSE:
		logging.Info("AgentProxy", "Starting MCP endpoint with SSE transport on %s", addr)
		baseURL := fmt.Sprintf("http://%s:%d", s.opts.Host, s.opts.Port)
		s.sseServer = mcpserver.NewSSEServer(
			s.server,
			mcpserver.WithBaseURL(baseURL),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		sseServer := s.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("AgentProxy", err, "SSE server error")
			}
		}()

	case config.AgentTransportStdio:
		logging.Info("AgentProxy", "Starting MCP endpoint with stdio transport")
		s.stdioServer = mcpserver.NewStdioServer(s.server)
		stdioServer := s.stdioServer
		runCtx := s.ctx
		go func() {
			if err := stdioServer.Listen(runCtx, os.Stdin, os.Stdout); err != nil {
				logging.Error("AgentProxy", err, "Stdio server error")
			}
		}()

	default:
		logging.Info("AgentProxy", "Starting MCP endpoint with streamable-http transport on %s", addr)
		s.streamableHTTPServer = mcpserver.NewStreamableHTTPServer(s.server)
		streamableServer := s.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("AgentProxy", err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// StopRunner tears down the endpoint and the catalog watch.
func (s *Server) StopRunner(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return nil
	}
	cancelFunc := s.cancelFunc
	sseServer := s.sseServer
	streamableServer := s.streamableHTTPServer
	s.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}
	if s.catalogSub != nil {
		s.catalogSub.Close()
		s.catalogSub = nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("AgentProxy", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("AgentProxy", err, "Error shutting down streamable HTTP server")
		}
	}
	// The stdio server stops on context cancellation.

	s.wg.Wait()

	s.mu.Lock()
	s.server = nil
	s.sseServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.active = make(map[string]protocol.ToolDescriptor)
	s.mu.Unlock()
	return nil
}

// presenceKeys tells the catalog subscription which liveness records to
// watch: one per registration currently contributing tools.
func (s *Server) presenceKeys() []string {
	regs := s.catalog.Registrations()
	keys := make([]string, len(regs))
	for i, regID := range regs {
		keys[i] = protocol.PresenceKey(regID)
	}
	return keys
}

func (s *Server) consumeCatalogUpdates(sub *bus.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if ev.LostKey != "" {
			if regID, ok := protocol.RegistrationFromPresenceKey(ev.LostKey); ok {
				logging.Info("AgentProxy", "Runtime %s disappeared, dropping its tools", regID)
				s.catalog.DropRegistration(regID)
			}
			continue
		}
		if update, ok := ev.Msg.(*protocol.CatalogUpdate); ok {
			s.catalog.ApplyUpdate(*update)
		}
	}
}

// syncLoop mirrors every catalog change into the MCP server's
// registered tool set.
func (s *Server) syncLoop() {
	defer s.wg.Done()

	ch, cancel := s.catalog.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tools, ok := <-ch:
			if !ok {
				return
			}
			s.syncTools(tools)
		}
	}
}

func (s *Server) syncTools(tools []protocol.ToolDescriptor) {
	s.mu.Lock()
	srv := s.server
	if srv == nil {
		s.mu.Unlock()
		return
	}

	desired := make(map[string]protocol.ToolDescriptor, len(tools))
	for _, t := range tools {
		desired[t.ID] = t
	}

	var removed []string
	for id := range s.active {
		if _, keep := desired[id]; !keep {
			removed = append(removed, id)
			delete(s.active, id)
		}
	}

	var added []mcpserver.ServerTool
	for id, desc := range desired {
		prev, known := s.active[id]
		if known && descriptorEqual(prev, desc) {
			continue
		}
		s.active[id] = desc
		added = append(added, s.serverTool(desc))
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		srv.DeleteTools(removed...)
	}
	if len(added) > 0 {
		srv.AddTools(added...)
	}
	if len(removed) > 0 || len(added) > 0 {
		logging.Debug("AgentProxy", "Catalog sync: %d added, %d removed, %d total", len(added), len(removed), len(tools))
	}
}

func descriptorEqual(a, b protocol.ToolDescriptor) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

// serverTool converts a catalog descriptor to a registered MCP tool.
// The exposed tool name is the descriptor id, which is unique across
// the workspace.
func (s *Server) serverTool(desc protocol.ToolDescriptor) mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcp.Tool{
			Name:        desc.ID,
			Description: desc.Description,
			InputSchema: toInputSchema(desc.InputSchema),
		},
		Handler: s.createToolHandler(desc.ID),
	}
}

func toInputSchema(raw map[string]any) mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{Type: "object"}
	if t, ok := raw["type"].(string); ok && t != "" {
		schema.Type = t
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		schema.Properties = props
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	return schema
}

func (s *Server) createToolHandler(toolID string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := make(map[string]interface{})
		if req.Params.Arguments != nil {
			if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
				args = argsMap
			}
		}

		// Resolve from the live catalog: routing may have changed since
		// the tool was registered.
		desc, ok := s.catalog.Find(toolID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("tool %s is no longer available", toolID)), nil
		}

		resp, err := s.router.Call(ctx, desc, args, s.opts.CallTimeout)
		if err != nil {
			logging.Error("AgentProxy", err, "Routed call failed for %s", toolID)
			return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
		}
		if resp.Error != "" {
			return mcp.NewToolResultError(resp.Error), nil
		}
		return toCallResult(resp.Result), nil
	}
}

// toCallResult rebuilds an MCP result from its wire representation.
// Only text content survives the round trip; anything else degrades to
// a JSON rendering.
func toCallResult(raw any) *mcp.CallToolResult {
	if raw == nil {
		return mcp.NewToolResultText("")
	}

	if m, ok := raw.(map[string]any); ok {
		if items, ok := m["content"].([]any); ok {
			var content []mcp.Content
			for _, item := range items {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if entry["type"] == "text" {
					if text, ok := entry["text"].(string); ok {
						content = append(content, mcp.TextContent{Type: "text", Text: text})
					}
				}
			}
			if len(content) > 0 {
				return &mcp.CallToolResult{Content: content}
			}
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("%v", raw))
	}
	return mcp.NewToolResultText(string(data))
}

// gateOnCatalog holds a request until the first catalog update arrives.
// The tool list before that update is not empty, it is unknown, so the
// request suspends for as long as its own context allows rather than
// answering with an empty catalog.
func (s *Server) gateOnCatalog(ctx context.Context) {
	if _, ok := s.catalog.Tools(); ok {
		return
	}
	logging.Debug("AgentProxy", "Holding request until the first catalog update")
	if _, err := s.catalog.Wait(ctx); err != nil {
		logging.Debug("AgentProxy", "Catalog wait ended early: %v", err)
	}
}

// handleHandshake runs after each completed initialize exchange. The
// first one fires the promotion callback; clients that advertise roots
// support get their roots fetched and propagated.
func (s *Server) handleHandshake(message *mcp.InitializeRequest) {
	clientName := message.Params.ClientInfo.Name
	logging.Info("AgentProxy", "Agent client connected: %s %s", clientName, message.Params.ClientInfo.Version)

	s.handshakeOnce.Do(func() {
		if s.onFirstHandshake != nil {
			s.onFirstHandshake()
		}
	})

	if message.Params.Capabilities.Roots == nil {
		return
	}
	if s.rootsFetcher == nil {
		logging.Debug("AgentProxy", "Client advertises roots but no fetcher is wired")
		return
	}
	go s.fetchRoots()
}

// fetchRoots retrieves the client's current roots through the configured
// fetcher and hands them to the roots callback. Shared by the
// post-handshake path and the roots-changed notification.
func (s *Server) fetchRoots() {
	if s.rootsFetcher == nil || s.onRoots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	roots, err := s.rootsFetcher(ctx)
	if err != nil {
		logging.Warn("AgentProxy", "Failed to fetch client roots: %v", err)
		return
	}
	if len(roots) > 0 {
		s.onRoots(roots)
	}
}
