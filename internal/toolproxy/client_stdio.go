package toolproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"toolmesh/pkg/logging"
)

// DefaultStdioInitTimeout covers spawning the subprocess and completing
// the MCP handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient reaches a tool server through a local subprocess speaking
// MCP over stdin/stdout. The subprocess environment is the merged default
// environment plus the configured variables.
type StdioClient struct {
	baseClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient creates a stdio-based MCP client. env entries override
// inherited defaults with the same key.
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{
		command: command,
		args:    args,
		env:     env,
	}
}

// Initialize spawns the subprocess and performs the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Creating stdio client for command: %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	mcpClient.OnNotification(c.handleNotification)

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	if _, err := mcpClient.Initialize(initCtx, initializeRequest("toolmesh")); err != nil {
		logging.Error("StdioClient", err, "Failed to initialize MCP protocol for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	logging.Debug("StdioClient", "MCP protocol initialized for %s", c.command)

	c.client = mcpClient
	c.connected = true
	return nil
}

// Close shuts down the client and its subprocess.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

// ListTools returns all available tools from the server.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool executes a specific tool and returns the result.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}
