package orchestrator

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces exponentially growing reconnect delays with a small
// random jitter so a fleet of runtimes does not reconnect in lockstep.
type backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max}
}

// next returns the delay for the next attempt: initial * 2^attempt,
// capped at max, plus 0-10% jitter.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.initial * time.Duration(1<<uint(b.attempt))
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++

	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// reset returns the schedule to the initial delay after a successful
// connection.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
