package bus

import (
	"context"
	"time"

	"toolmesh/pkg/logging"
)

// Event is one delivery from a subscription: either a decoded message
// (with its reply subject, if the sender expects one) or a presence
// transition from the TTL store.
type Event struct {
	Msg     Message
	ReplyTo string

	// LostKey is set, and Msg is nil, when a watched presence record
	// disappeared from the TTL store.
	LostKey string
}

// Subscription is a lazy, cancelable stream of decoded messages from one
// subject. Messages that fail to decode are logged and skipped; they do
// not terminate the subscription.
type Subscription struct {
	subject string
	events  chan Event
	lost    chan string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Events returns the delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Subject returns the subject this subscription listens on.
func (s *Subscription) Subject() string {
	return s.subject
}

// Close cancels the subscription and waits, bounded, for the pump to
// drain. A drain that outlasts the bound is logged and abandoned rather
// than blocking shutdown.
func (s *Subscription) Close() {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		logging.Warn("Bus", "Timed out draining subscription on %s", s.subject)
	}
}

// Subscribe starts consuming decoded messages from subject.
func (t *Transport) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	if t.rdb == nil {
		return nil, ErrNotConnected
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := t.rdb.Subscribe(subCtx, subject)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	sub := &Subscription{
		subject: subject,
		events:  make(chan Event, 16),
		lost:    make(chan string),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	// The pump is the only writer to sub.events.
	go func() {
		defer close(sub.done)
		defer close(sub.events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case key := <-sub.lost:
				select {
				case sub.events <- Event{LostKey: key}:
				case <-subCtx.Done():
					return
				}
			case raw, ok := <-ch:
				if !ok {
					return
				}
				msg, replyTo, err := t.codec.Decode([]byte(raw.Payload))
				if err != nil {
					logging.Warn("Bus", "Skipping undecodable message on %s: %v", subject, err)
					continue
				}
				select {
				case sub.events <- Event{Msg: msg, ReplyTo: replyTo}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// ObserveEphemeral subscribes to subject and additionally watches the
// presence keys returned by keys() in the TTL store, emitting a LostKey
// event when a previously-present record disappears (expiry or explicit
// Kill). The key set is re-evaluated on every poll, so callers may grow
// or shrink it while the subscription is live.
func (t *Transport) ObserveEphemeral(ctx context.Context, subject string, keys func() []string) (*Subscription, error) {
	sub, err := t.Subscribe(ctx, subject)
	if err != nil {
		return nil, err
	}

	// The poller lives and dies with the subscription, not with the
	// caller's ctx, which may end long before Close is called.
	tracker := newPresenceTracker()
	go func() {
		ticker := time.NewTicker(t.opts.PresencePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.done:
				return
			case <-ticker.C:
				for _, key := range keys() {
					exists, err := t.rdb.Exists(sub.ctx, key).Result()
					if err != nil {
						logging.Debug("Bus", "Presence check failed for %s: %v", key, err)
						continue
					}
					if tracker.observe(key, exists > 0) {
						select {
						case sub.lost <- key:
						case <-sub.done:
							return
						}
					}
				}
			}
		}
	}()

	return sub, nil
}

// presenceTracker turns point-in-time presence samples into transitions.
// Only a present-to-absent edge reports a loss; a key that was never seen
// present does not.
type presenceTracker struct {
	present map[string]bool
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{present: make(map[string]bool)}
}

func (p *presenceTracker) observe(key string, present bool) (lost bool) {
	was := p.present[key]
	p.present[key] = present
	return was && !present
}
