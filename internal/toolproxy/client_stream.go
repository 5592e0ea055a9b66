package toolproxy

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"toolmesh/pkg/logging"
)

// StreamClient reaches a remote tool server over HTTP with streaming
// support, optionally sending custom headers on every request.
type StreamClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewStreamClient creates a streamable-HTTP-based MCP client.
func NewStreamClient(url string, headers map[string]string) *StreamClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &StreamClient{
		url:     url,
		headers: headers,
	}
}

// Initialize establishes the connection and performs the protocol
// handshake.
func (c *StreamClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StreamClient", "Creating streamable HTTP client for URL: %s", c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
		logging.Debug("StreamClient", "Configured %d custom headers", len(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create streamable HTTP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start streamable HTTP client: %w", err)
	}

	mcpClient.OnNotification(c.handleNotification)

	initResult, err := mcpClient.Initialize(ctx, initializeRequest("toolmesh"))
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("StreamClient", "Connected to %s (server: %s %s)",
		c.url, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close cleanly shuts down the client connection.
func (c *StreamClient) Close() error {
	return c.closeClient()
}

// ListTools returns all available tools from the server.
func (c *StreamClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool executes a specific tool and returns the result.
func (c *StreamClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}
