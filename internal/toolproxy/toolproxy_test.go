package toolproxy

import (
	"context"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmesh/internal/bus"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
)

// fakeClient implements MCPClient for testing
type fakeClient struct {
	mu          sync.Mutex
	tools       []mcp.Tool
	initErr     error
	listErr     error
	initialized bool
	closed      bool
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.listErr
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeClient) OnToolListChanged(handler func()) {}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestManager(factory ClientFactory) *Manager {
	transport := bus.NewTransport(bus.Options{URL: "redis://localhost:6379"}, protocol.NewCodec())
	id := identity.New("node-1", "ws-1", "test")
	m := NewManager(transport, id)
	if factory != nil {
		m.SetClientFactory(factory)
	}
	return m
}

func TestToolID(t *testing.T) {
	assert.Equal(t, "srv-1:read_file", ToolID("srv-1", "read_file"))
}

func TestDefaultClientFactory_SelectsTransport(t *testing.T) {
	stdio := defaultClientFactory(protocol.ServerConfig{
		Transport: protocol.TransportStdio,
		Command:   "mcp-files",
	}, map[string]string{RootsEnvVar: "[]"})
	assert.IsType(t, &StdioClient{}, stdio)

	stream := defaultClientFactory(protocol.ServerConfig{
		Transport: protocol.TransportStream,
		ServerURL: "http://tools:8080/mcp",
	}, nil)
	assert.IsType(t, &StreamClient{}, stream)
}

func TestValidateArguments(t *testing.T) {
	tool := mcp.Tool{
		Name: "read_file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path":  map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer"},
			},
			Required: []string{"path"},
		},
	}

	assert.NoError(t, validateArguments(tool, map[string]any{"path": "/tmp/x"}))
	assert.NoError(t, validateArguments(tool, map[string]any{"path": "/tmp/x", "limit": float64(10)}))
	assert.Error(t, validateArguments(tool, map[string]any{}), "missing required argument")
	assert.Error(t, validateArguments(tool, nil), "nil arguments still fail required check")
	assert.Error(t, validateArguments(tool, map[string]any{"path": 42}), "wrong type")
}

func TestValidateArguments_OpenSchemaAcceptsAnything(t *testing.T) {
	tool := mcp.Tool{Name: "free_form"}
	assert.NoError(t, validateArguments(tool, map[string]any{"anything": true}))
	assert.NoError(t, validateArguments(tool, nil))
}

func TestConnection_FailedStartIsAbsentAndClosed(t *testing.T) {
	// The transport is never connected, so wiring call subscriptions
	// fails after the client came up. The connection must tear the
	// client down and settle absent.
	client := &fakeClient{tools: []mcp.Tool{{Name: "read"}}}
	m := newTestManager(func(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient {
		return client
	})

	cfg := protocol.ServerConfig{ID: "srv-1", Name: "files", Transport: protocol.TransportStdio, RunOn: protocol.RunOnAgent}
	conn := newConnection(m, cfg)

	err := conn.start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ConnAbsent, conn.State())
	assert.True(t, client.isClosed())
	assert.Empty(t, conn.Tools())
}

func TestConnection_StopWhileAbsentIsNoop(t *testing.T) {
	m := newTestManager(nil)
	conn := newConnection(m, protocol.ServerConfig{ID: "srv-1"})

	require.NoError(t, conn.stop(context.Background()))
	assert.Equal(t, ConnAbsent, conn.State())
}

func TestManager_ApplyReportsPartialFailure(t *testing.T) {
	m := newTestManager(func(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient {
		return &fakeClient{tools: []mcp.Tool{{Name: "read"}}}
	})

	err := m.Apply(context.Background(), []protocol.ServerConfig{
		{ID: "srv-1", Transport: protocol.TransportStdio},
		{ID: "srv-2", Transport: protocol.TransportStdio},
	})
	require.Error(t, err, "unconnected transport cannot wire subscriptions")

	states := m.Connections()
	assert.Equal(t, ConnAbsent, states["srv-1"])
	assert.Equal(t, ConnAbsent, states["srv-2"])
}

func TestManager_ApplyEmptySetRemovesEverything(t *testing.T) {
	m := newTestManager(func(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient {
		return &fakeClient{}
	})

	_ = m.Apply(context.Background(), []protocol.ServerConfig{{ID: "srv-1", Transport: protocol.TransportStdio}})
	require.NoError(t, m.Apply(context.Background(), nil))
	assert.Empty(t, m.Connections())
}

func TestManager_RootsEnv(t *testing.T) {
	m := newTestManager(nil)
	assert.Nil(t, m.rootsEnv(), "no roots, no env extension")

	m.SetRoots(context.Background(), []protocol.Root{{Name: "data", Path: "/srv/data"}})
	env := m.rootsEnv()
	require.Contains(t, env, RootsEnvVar)
	assert.JSONEq(t, `[{"name":"data","path":"/srv/data"}]`, env[RootsEnvVar])
}

func TestSchemaToMap(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		Required: []string{"path"},
	}

	out := schemaToMap(schema)
	require.NotNil(t, out)
	assert.Equal(t, "object", out["type"])
	assert.Contains(t, out, "properties")
}

func TestTextContent(t *testing.T) {
	result := mcp.NewToolResultError("it broke")
	assert.Equal(t, "it broke", textContent(result))

	empty := &mcp.CallToolResult{IsError: true}
	assert.Equal(t, "tool returned an error", textContent(empty))
}

func TestRootsEqual(t *testing.T) {
	a := []protocol.Root{{Name: "data", Path: "/d"}}
	assert.True(t, rootsEqual(a, []protocol.Root{{Name: "data", Path: "/d"}}))
	assert.False(t, rootsEqual(a, nil))
	assert.False(t, rootsEqual(a, []protocol.Root{{Name: "data", Path: "/other"}}))
	assert.True(t, rootsEqual(nil, nil))
}

func TestManager_ApplyReconcilesPerSignature(t *testing.T) {
	var mu sync.Mutex
	created := make(map[string][]*fakeClient)
	m := newTestManager(func(cfg protocol.ServerConfig, extraEnv map[string]string) MCPClient {
		c := &fakeClient{}
		mu.Lock()
		created[cfg.ID] = append(created[cfg.ID], c)
		mu.Unlock()
		return c
	})

	base := func(id string) protocol.ServerConfig {
		return protocol.ServerConfig{ID: id, Transport: protocol.TransportStdio, Command: "mcp-files"}
	}

	require.NoError(t, m.Apply(context.Background(), []protocol.ServerConfig{base("a"), base("b")}))
	states := m.Connections()
	require.Equal(t, ConnRunning, states["a"])
	require.Equal(t, ConnRunning, states["b"])

	changedB := base("b")
	changedB.Command = "mcp-files-v2"
	require.NoError(t, m.Apply(context.Background(), []protocol.ServerConfig{base("a"), changedB, base("c")}))

	states = m.Connections()
	assert.Equal(t, ConnRunning, states["a"])
	assert.Equal(t, ConnRunning, states["b"])
	assert.Equal(t, ConnRunning, states["c"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created["a"], 1, "unchanged signature is left untouched")
	require.Len(t, created["b"], 2, "changed signature stops then starts")
	require.Len(t, created["c"], 1, "new id starts")
	assert.False(t, created["a"][0].isClosed())
	assert.True(t, created["b"][0].isClosed(), "the replaced client is closed")
	assert.False(t, created["b"][1].isClosed())
	assert.False(t, created["c"][0].isClosed())
}
