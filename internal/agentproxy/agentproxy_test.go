package agentproxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmesh/internal/bus"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
)

func descriptor(id, regID string) protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		ID:        id,
		Name:      id,
		Status:    protocol.ToolStatusActive,
		ServerID:  "srv-1",
		RunOn:     protocol.RunOnAgent,
		RuntimeID: regID,
	}
}

func TestCatalog_EmptyUntilFirstUpdate(t *testing.T) {
	c := NewCatalog()

	_, ok := c.Tools()
	assert.False(t, ok, "no tools yet is distinguishable from no tools")

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})

	tools, ok := c.Tools()
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "srv-1:read", tools[0].ID)
}

func TestCatalog_MergesAcrossRegistrations(t *testing.T) {
	c := NewCatalog()

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-b",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-2:write", "rt-b")},
	})
	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-a",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-a")},
	})

	tools, ok := c.Tools()
	require.True(t, ok)
	require.Len(t, tools, 2)
	assert.Equal(t, "srv-1:read", tools[0].ID, "merged list is ordered by id")
	assert.Equal(t, "srv-2:write", tools[1].ID)
}

func TestCatalog_UpdateIsFullReplacement(t *testing.T) {
	c := NewCatalog()

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools: []protocol.ToolDescriptor{
			descriptor("srv-1:read", "rt-1"),
			descriptor("srv-1:write", "rt-1"),
		},
	})
	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})

	tools, _ := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "srv-1:read", tools[0].ID)
}

func TestCatalog_EmptyUpdateRemovesRegistration(t *testing.T) {
	c := NewCatalog()

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})
	c.ApplyUpdate(protocol.CatalogUpdate{RegistrationID: "reg-1"})

	tools, ok := c.Tools()
	assert.True(t, ok, "availability latch stays set")
	assert.Empty(t, tools)
}

func TestCatalog_DropRegistration(t *testing.T) {
	c := NewCatalog()

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})
	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-2",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-2:list", "rt-2")},
	})

	c.DropRegistration("reg-1")

	tools, _ := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "srv-2:list", tools[0].ID)
}

func TestCatalog_Registrations(t *testing.T) {
	c := NewCatalog()
	assert.Empty(t, c.Registrations())

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-2",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-2:list", "rt-2")},
	})
	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})

	assert.Equal(t, []string{"reg-1", "reg-2"}, c.Registrations())

	c.DropRegistration("reg-2")
	assert.Equal(t, []string{"reg-1"}, c.Registrations())
}

func TestCatalog_Find(t *testing.T) {
	c := NewCatalog()

	_, ok := c.Find("srv-1:read")
	assert.False(t, ok)

	c.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})

	desc, ok := c.Find("srv-1:read")
	require.True(t, ok)
	assert.Equal(t, "rt-1", desc.RuntimeID)

	_, ok = c.Find("srv-1:missing")
	assert.False(t, ok)
}

func TestCatalog_WaitBlocksUntilFirstUpdate(t *testing.T) {
	c := NewCatalog()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.ApplyUpdate(protocol.CatalogUpdate{
			RegistrationID: "reg-1",
			Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tools, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestToInputSchema(t *testing.T) {
	schema := toInputSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	})

	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "path")
	assert.Equal(t, []string{"path"}, schema.Required)
}

func TestToInputSchema_EmptyDefaultsToObject(t *testing.T) {
	schema := toInputSchema(nil)
	assert.Equal(t, "object", schema.Type)
	assert.Empty(t, schema.Required)
}

func TestToCallResult(t *testing.T) {
	// A wire-shaped result rebuilds into structured content.
	wire := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "hello"},
		},
	}
	result := toCallResult(wire)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)

	// Anything else degrades to a text rendering.
	fallback := toCallResult(map[string]any{"value": 42})
	require.NotNil(t, fallback)

	empty := toCallResult(nil)
	require.NotNil(t, empty)
}

func TestDescriptorEqual(t *testing.T) {
	a := descriptor("srv-1:read", "rt-1")
	b := descriptor("srv-1:read", "rt-1")
	assert.True(t, descriptorEqual(a, b))

	b.RunOn = protocol.RunOnGlobal
	assert.False(t, descriptorEqual(a, b), "routing changes must re-register the tool")
}

func TestCallSubject(t *testing.T) {
	agent := descriptor("srv-1:read", "rt-host")
	assert.Equal(t, protocol.ToolCallSubject("srv-1:read", "rt-host"), callSubject(agent),
		"scoped calls target the hosting runtime, not the caller")

	edge := agent
	edge.RunOn = protocol.RunOnEdge
	assert.Equal(t, protocol.ToolBroadcastSubject("srv-1:read"), callSubject(edge))

	global := agent
	global.RunOn = protocol.RunOnGlobal
	assert.Equal(t, protocol.ToolBroadcastSubject("srv-1:read"), callSubject(global))
}

func TestRouter_CallReachesHostingRuntime(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := bus.NewTransport(bus.Options{URL: "redis://" + mr.Addr()}, protocol.NewCodec())
	require.NoError(t, tr.StartRunner(context.Background()))
	defer tr.StopRunner(context.Background())

	desc := descriptor("srv-1:read", "rt-host")

	// The hosting runtime listens on its own scoped call subject.
	sub, err := tr.Subscribe(context.Background(), protocol.ToolCallSubject(desc.ID, "rt-host"))
	require.NoError(t, err)
	defer sub.Close()
	go func() {
		for ev := range sub.Events() {
			req, ok := ev.Msg.(*protocol.ToolCallRequest)
			if !ok {
				continue
			}
			_ = tr.Reply(context.Background(), ev.ReplyTo, &protocol.ToolCallResponse{
				CallID:       req.CallID,
				Result:       "ok",
				ExecutedByID: "rt-host",
			})
		}
	}()

	id := identity.New("caller", "ws-1", "test")
	id.SetRegistration(protocol.RuntimeConnectAck{
		RuntimeID:      "rt-agent",
		RegistrationID: "reg-agent",
		WorkspaceID:    "ws-1",
	})

	router := NewRouter(tr, id)
	resp, err := router.Call(context.Background(), desc, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "rt-host", resp.ExecutedByID)
}

func TestServer_GateHoldsUntilFirstCatalogUpdate(t *testing.T) {
	tr := bus.NewTransport(bus.Options{URL: "redis://localhost:6379"}, protocol.NewCodec())
	s := NewServer(Options{}, tr, identity.New("n", "ws-1", "test"))

	released := make(chan struct{})
	go func() {
		s.gateOnCatalog(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("request released before any catalog update")
	case <-time.After(50 * time.Millisecond):
	}

	s.catalog.ApplyUpdate(protocol.CatalogUpdate{
		RegistrationID: "reg-1",
		Tools:          []protocol.ToolDescriptor{descriptor("srv-1:read", "rt-1")},
	})

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("request not released by the first catalog update")
	}

	// Once the latch is set, later requests pass straight through.
	done := make(chan struct{})
	go func() {
		s.gateOnCatalog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate blocked after catalog became available")
	}
}

func TestServer_GateEndsWithRequestContext(t *testing.T) {
	tr := bus.NewTransport(bus.Options{URL: "redis://localhost:6379"}, protocol.NewCodec())
	s := NewServer(Options{}, tr, identity.New("n", "ws-1", "test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.gateOnCatalog(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gate must end with the request's context")
	}
}

func TestServer_FetchRootsPropagates(t *testing.T) {
	tr := bus.NewTransport(bus.Options{URL: "redis://localhost:6379"}, protocol.NewCodec())
	s := NewServer(Options{}, tr, identity.New("n", "ws-1", "test"))
	s.ctx = context.Background()

	var got []protocol.Root
	s.OnRoots(func(r []protocol.Root) { got = r })
	s.SetRootsFetcher(func(ctx context.Context) ([]protocol.Root, error) {
		return []protocol.Root{{Name: "data", Path: "/srv/data"}}, nil
	})

	s.fetchRoots()
	require.Len(t, got, 1)
	assert.Equal(t, "/srv/data", got[0].Path)

	// A failed fetch keeps the previously propagated roots.
	s.SetRootsFetcher(func(ctx context.Context) ([]protocol.Root, error) {
		return nil, errors.New("client went away")
	})
	s.fetchRoots()
	assert.Len(t, got, 1)
}
