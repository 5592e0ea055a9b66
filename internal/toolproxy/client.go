// Package toolproxy hosts the tool side of the runtime: it reconciles the
// control plane's desired set of MCP tool-server connections against what
// is running, republishes their tool catalogs, and executes routed tool
// calls against them.
package toolproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2024-11-05"

// MCPClient is the protocol client toward one managed tool server,
// independent of transport.
type MCPClient interface {
	// Initialize establishes the connection and performs the protocol
	// handshake.
	Initialize(ctx context.Context) error

	// Close cleanly shuts down the client connection.
	Close() error

	// ListTools returns all tools offered by the server.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool executes one tool and returns its result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// OnToolListChanged registers a handler invoked when the server
	// announces a changed tool list. Must be called before Initialize.
	OnToolListChanged(handler func())
}

// baseClient carries the state shared by all transports.
type baseClient struct {
	mu          sync.RWMutex
	client      client.MCPClient
	connected   bool
	listChanged func()
}

func (b *baseClient) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method != "notifications/tools/list_changed" {
		return
	}
	b.mu.RLock()
	handler := b.listChanged
	b.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// OnToolListChanged registers the tool-list-changed handler.
func (b *baseClient) OnToolListChanged(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listChanged = handler
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil
	return err
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected || b.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected || b.client == nil {
		return nil, fmt.Errorf("client not connected")
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

func initializeRequest(clientName string) mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
}
