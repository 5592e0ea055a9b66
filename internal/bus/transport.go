package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"toolmesh/pkg/logging"
)

// ErrRequestTimeout is returned by Request when no reply arrives within
// the timeout. The outcome of the remote operation is unknown; callers
// must not assume it did not happen.
var ErrRequestTimeout = errors.New("bus: request timed out")

// ErrNotConnected is returned for operations on a transport that has not
// been started.
var ErrNotConnected = errors.New("bus: not connected")

// DefaultReconnectWait is the fixed backoff between connect attempts.
const DefaultReconnectWait = 2 * time.Second

// DefaultPresencePollInterval is how often watched presence records are
// re-checked by ObserveEphemeral.
const DefaultPresencePollInterval = 1 * time.Second

// Options configures the transport connection.
type Options struct {
	// URL is the redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// ReconnectWait is the fixed delay between connect attempts.
	// Defaults to DefaultReconnectWait.
	ReconnectWait time.Duration

	// MaxConnectAttempts bounds the connect loop. Zero means retry
	// forever.
	MaxConnectAttempts int

	// PresencePollInterval is the re-check interval for watched presence
	// keys. Defaults to DefaultPresencePollInterval.
	PresencePollInterval time.Duration
}

// Transport is the typed message-bus connection. It is shared process-wide
// through the consumer-counted Service wrapper; components deregister as
// consumers instead of closing it directly.
type Transport struct {
	opts  Options
	codec *Codec

	rdb *redis.Client
}

// NewTransport creates an unconnected transport using codec for all
// message framing.
func NewTransport(opts Options, codec *Codec) *Transport {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = DefaultReconnectWait
	}
	if opts.PresencePollInterval <= 0 {
		opts.PresencePollInterval = DefaultPresencePollInterval
	}
	return &Transport{opts: opts, codec: codec}
}

// Name implements services.Runner.
func (t *Transport) Name() string {
	return "bus-transport"
}

// StartRunner connects to the bus, retrying with a fixed backoff until
// the connection succeeds, the attempt budget is exhausted, or ctx is
// canceled.
func (t *Transport) StartRunner(ctx context.Context) error {
	opt, err := redis.ParseURL(t.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid bus URL %q: %w", t.opts.URL, err)
	}

	rdb := redis.NewClient(opt)
	attempt := 0
	for {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			break
		}

		logging.Warn("Bus", "Connect attempt %d failed: %v", attempt, err)
		if t.opts.MaxConnectAttempts > 0 && attempt >= t.opts.MaxConnectAttempts {
			rdb.Close()
			return fmt.Errorf("failed to connect to bus after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			rdb.Close()
			return ctx.Err()
		case <-time.After(t.opts.ReconnectWait):
		}
	}

	t.rdb = rdb
	logging.Info("Bus", "Connected to %s", t.opts.URL)
	return nil
}

// StopRunner closes the connection.
func (t *Transport) StopRunner(ctx context.Context) error {
	if t.rdb == nil {
		return nil
	}
	err := t.rdb.Close()
	t.rdb = nil
	return err
}

// Publish sends msg to subject, fire-and-forget.
func (t *Transport) Publish(ctx context.Context, subject string, msg Message) error {
	if t.rdb == nil {
		return ErrNotConnected
	}
	payload, err := t.codec.Encode(msg, "")
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, subject, payload).Err()
}

// Request sends msg to subject and waits for the first reply. A missing
// reply within timeout fails with ErrRequestTimeout.
func (t *Transport) Request(ctx context.Context, subject string, msg Message, timeout time.Duration) (Message, error) {
	if t.rdb == nil {
		return nil, ErrNotConnected
	}

	replyTo := subject + ".reply." + uuid.NewString()
	pubsub := t.rdb.Subscribe(ctx, replyTo)
	defer pubsub.Close()

	// Confirm the reply subscription is live before publishing, so the
	// reply cannot slip past us.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply subject: %w", err)
	}

	payload, err := t.codec.Encode(msg, replyTo)
	if err != nil {
		return nil, err
	}
	if err := t.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish request to %s: %w", subject, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, subject, timeout)
		case raw, ok := <-pubsub.Channel():
			if !ok {
				return nil, fmt.Errorf("reply subscription closed for %s", subject)
			}
			reply, _, err := t.codec.Decode([]byte(raw.Payload))
			if err != nil {
				logging.Warn("Bus", "Skipping undecodable reply on %s: %v", replyTo, err)
				continue
			}
			return reply, nil
		}
	}
}

// Reply publishes msg to the reply subject of a received request.
func (t *Transport) Reply(ctx context.Context, replyTo string, msg Message) error {
	if replyTo == "" {
		return fmt.Errorf("bus: message carries no reply subject")
	}
	return t.Publish(ctx, replyTo, msg)
}

// Heartbeat upserts the presence record under key with the given TTL.
// The record expires on its own if not refreshed.
func (t *Transport) Heartbeat(ctx context.Context, key string, ttl time.Duration) error {
	if t.rdb == nil {
		return ErrNotConnected
	}
	return t.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
}

// Kill removes the presence record immediately. Used on graceful shutdown
// so peers observe absence right away instead of after TTL expiry.
func (t *Transport) Kill(ctx context.Context, key string) error {
	if t.rdb == nil {
		return ErrNotConnected
	}
	return t.rdb.Del(ctx, key).Err()
}
