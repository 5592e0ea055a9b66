package identity

import (
	"context"
	"sync"
	"time"

	"toolmesh/internal/bus"
	"toolmesh/internal/protocol"
	"toolmesh/pkg/logging"
)

// DefaultHeartbeatInterval is how often the liveness record is refreshed.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultHeartbeatTTL bounds how long peers consider this runtime alive
// after the last refresh. Must exceed the interval.
const DefaultHeartbeatTTL = 15 * time.Second

// Health maintains the TTL-bounded presence record that is the sole
// authority for "is this runtime alive". On a graceful stop the record is
// deleted explicitly so peers observe absence immediately; after a crash
// it lingers until the TTL elapses.
type Health struct {
	transport *bus.Transport
	identity  *Identity
	interval  time.Duration
	ttl       time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	onFailure func(error)
}

// failureLimit is how many consecutive refresh failures signal a lost
// bus connection.
const failureLimit = 3

// NewHealth creates the heartbeat runner. Zero durations fall back to the
// defaults.
func NewHealth(transport *bus.Transport, id *Identity, interval, ttl time.Duration) *Health {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Health{
		transport: transport,
		identity:  id,
		interval:  interval,
		ttl:       ttl,
	}
}

// SetOnFailure registers a callback fired once per start when the
// presence record cannot be refreshed failureLimit times in a row. Must
// be set before StartRunner.
func (h *Health) SetOnFailure(fn func(error)) {
	h.onFailure = fn
}

// Name implements services.Runner.
func (h *Health) Name() string {
	return "health-heartbeat"
}

// StartRunner writes the first presence record and launches the refresh
// loop. The identity must be registered before the heartbeat starts.
func (h *Health) StartRunner(ctx context.Context) error {
	key := protocol.PresenceKey(h.identity.RegistrationID())
	if err := h.transport.Heartbeat(ctx, key, h.ttl); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	h.mu.Lock()
	h.cancel = cancel
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		failures := 0
		reported := false
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				err := h.transport.Heartbeat(loopCtx, key, h.ttl)
				if err == nil {
					failures = 0
					reported = false
					continue
				}
				failures++
				logging.Warn("Health", "Failed to refresh presence record %s (%d in a row): %v", key, failures, err)
				if failures >= failureLimit && !reported && h.onFailure != nil {
					reported = true
					h.onFailure(err)
				}
			}
		}
	}()

	logging.Debug("Health", "Heartbeat started for %s (interval=%s ttl=%s)", key, h.interval, h.ttl)
	return nil
}

// StopRunner stops the refresh loop and deletes the presence record so
// absence is visible immediately rather than after TTL expiry.
func (h *Health) StopRunner(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	key := protocol.PresenceKey(h.identity.RegistrationID())
	if err := h.transport.Kill(ctx, key); err != nil {
		logging.Warn("Health", "Failed to delete presence record %s: %v", key, err)
	}
	return nil
}
