package bus

import (
	"encoding/json"
	"fmt"
)

// Message is any payload that can travel over the bus. The type name is
// the envelope discriminator and must be unique process-wide.
type Message interface {
	MessageType() string
}

// envelope is the wire framing for every published message.
type envelope struct {
	Type    string          `json:"type"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Codec resolves envelope type names to concrete message types. Messages
// with unregistered types fail to decode instead of passing through
// silently.
type Codec struct {
	factories map[string]func() Message
}

// NewCodec creates an empty codec.
func NewCodec() *Codec {
	return &Codec{factories: make(map[string]func() Message)}
}

// Register binds a type name to a factory producing a pointer to the
// concrete message type. Registering the same name twice is a programming
// error.
func (c *Codec) Register(typeName string, factory func() Message) error {
	if _, exists := c.factories[typeName]; exists {
		return fmt.Errorf("message type %q already registered", typeName)
	}
	c.factories[typeName] = factory
	return nil
}

// Encode frames msg into an envelope. replyTo may be empty for
// fire-and-forget publishes.
func (c *Codec) Encode(msg Message, replyTo string) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(envelope{
		Type:    msg.MessageType(),
		ReplyTo: replyTo,
		Data:    data,
	})
}

// Decode parses an envelope and resolves its payload through the
// registry. It returns the decoded message and the reply subject, if any.
func (c *Codec) Decode(raw []byte) (Message, string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("malformed envelope: %w", err)
	}

	factory, ok := c.factories[env.Type]
	if !ok {
		return nil, "", fmt.Errorf("unknown message type %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return msg, env.ReplyTo, nil
}
