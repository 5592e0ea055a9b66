package protocol

import (
	"toolmesh/internal/bus"
)

// NewCodec returns a bus codec with every protocol message registered.
// All transports in the process must share one codec so publisher and
// subscriber agree on the wire types.
func NewCodec() *bus.Codec {
	c := bus.NewCodec()
	register := func(name string, factory func() bus.Message) {
		if err := c.Register(name, factory); err != nil {
			// Duplicate registration is a programming error, not a
			// runtime condition.
			panic(err)
		}
	}

	register(TypeRuntimeConnectRequest, func() bus.Message { return &RuntimeConnectRequest{} })
	register(TypeRuntimeConnectAck, func() bus.Message { return &RuntimeConnectAck{} })
	register(TypeCapabilityUpdateRequest, func() bus.Message { return &CapabilityUpdateRequest{} })
	register(TypeCapabilityUpdateAck, func() bus.Message { return &CapabilityUpdateAck{} })
	register(TypeConfigPush, func() bus.Message { return &ConfigPush{} })
	register(TypeCatalogUpdate, func() bus.Message { return &CatalogUpdate{} })
	register(TypeToolCallRequest, func() bus.Message { return &ToolCallRequest{} })
	register(TypeToolCallResponse, func() bus.Message { return &ToolCallResponse{} })
	return c
}
