package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingMessage struct {
	Seq int `json:"seq"`
}

func (pingMessage) MessageType() string { return "test.ping" }

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c := NewCodec()
	require.NoError(t, c.Register("test.ping", func() Message { return &pingMessage{} }))
	return c
}

func TestCodec_EncodeDecode(t *testing.T) {
	c := newTestCodec(t)

	raw, err := c.Encode(&pingMessage{Seq: 7}, "")
	require.NoError(t, err)

	msg, replyTo, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, replyTo)

	ping, ok := msg.(*pingMessage)
	require.True(t, ok)
	assert.Equal(t, 7, ping.Seq)
}

func TestCodec_ReplySubjectSurvivesFraming(t *testing.T) {
	c := newTestCodec(t)

	raw, err := c.Encode(&pingMessage{Seq: 1}, "reply.abc")
	require.NoError(t, err)

	_, replyTo, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "reply.abc", replyTo)
}

func TestCodec_UnknownTypeFailsDecode(t *testing.T) {
	c := newTestCodec(t)

	_, _, err := c.Decode([]byte(`{"type":"test.unknown","data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestCodec_MalformedEnvelopeFailsDecode(t *testing.T) {
	c := newTestCodec(t)

	_, _, err := c.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestCodec_DuplicateRegistrationRejected(t *testing.T) {
	c := newTestCodec(t)

	err := c.Register("test.ping", func() Message { return &pingMessage{} })
	assert.Error(t, err)
}

func TestPresenceTracker_ReportsOnlyPresentToAbsentEdge(t *testing.T) {
	tr := newPresenceTracker()

	assert.False(t, tr.observe("k", false), "never-seen key is not lost")
	assert.False(t, tr.observe("k", true))
	assert.False(t, tr.observe("k", true))
	assert.True(t, tr.observe("k", false), "present to absent is a loss")
	assert.False(t, tr.observe("k", false), "loss reported once per disappearance")
	assert.False(t, tr.observe("k", true))
	assert.True(t, tr.observe("k", false), "a reappeared key can be lost again")
}
