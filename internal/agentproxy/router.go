package agentproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolmesh/internal/bus"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
	"toolmesh/pkg/logging"
)

// Router turns an agent's tool call into a bus request aimed at the
// runtime that should execute it. RunOn=AGENT targets the call subject
// of the runtime hosting the tool; EDGE and GLOBAL broadcast, first
// responder wins.
type Router struct {
	transport *bus.Transport
	identity  *identity.Identity
}

// NewRouter creates a router using the shared transport.
func NewRouter(transport *bus.Transport, id *identity.Identity) *Router {
	return &Router{transport: transport, identity: id}
}

// Call routes one tool call and waits for the single correlated
// response, bounded by timeout. The returned response carries either a
// result or an error string, never both.
func (r *Router) Call(ctx context.Context, desc protocol.ToolDescriptor, args map[string]any, timeout time.Duration) (*protocol.ToolCallResponse, error) {
	req := &protocol.ToolCallRequest{
		CallID:    uuid.NewString(),
		ToolID:    desc.ID,
		Arguments: args,
		CallerID:  r.identity.RuntimeID(),
	}

	subject := callSubject(desc)
	logging.Debug("AgentProxy", "Routing call %s for %s to %s", req.CallID, desc.ID, subject)

	reply, err := r.transport.Request(ctx, subject, req, timeout)
	if err != nil {
		return nil, err
	}

	resp, ok := reply.(*protocol.ToolCallResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T for call %s", reply, req.CallID)
	}
	return resp, nil
}

// callSubject derives the bus subject for a tool call from the
// descriptor. The descriptor carries the hosting runtime's id, which is
// the subject the host subscribes on for RunOn=AGENT tools.
func callSubject(desc protocol.ToolDescriptor) string {
	if desc.RunOn == protocol.RunOnAgent {
		return protocol.ToolCallSubject(desc.ID, desc.RuntimeID)
	}
	return protocol.ToolBroadcastSubject(desc.ID)
}
