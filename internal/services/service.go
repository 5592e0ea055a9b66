package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"toolmesh/pkg/logging"
)

// Service wraps a Runner with serialized lifecycle transitions and
// consumer-counted sharing. Start and Stop requests are enqueued onto a
// private FIFO processed by a single in-flight worker, so no two
// transitions ever run concurrently for the same instance. Starting an
// already-started service (or stopping a stopped one) is a no-op.
type Service struct {
	runner   Runner
	registry *Registry

	mu        sync.Mutex
	state     State
	lastErr   error
	consumers map[string]struct{}
	queue     []*transition
	working   bool
	changed   chan struct{}
}

type transition struct {
	target State // StateStarted or StateStopped
	ctx    context.Context
	done   chan error
}

// NewService wraps the runner and registers the service with the registry.
func NewService(registry *Registry, runner Runner) *Service {
	s := &Service{
		runner:    runner,
		registry:  registry,
		state:     StateStopped,
		consumers: make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
	if registry != nil {
		registry.add(s)
	}
	return s
}

// Name returns the underlying runner's name.
func (s *Service) Name() string {
	return s.runner.Name()
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error from the most recent failed transition.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Consumers returns a sorted snapshot of the current consumer names.
func (s *Service) Consumers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.consumers))
	for name := range s.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start brings the service to StateStarted. It blocks until the enqueued
// transition completes. Calling Start on an already-started service
// returns immediately with no side effect.
func (s *Service) Start(ctx context.Context) error {
	return s.enqueue(ctx, StateStarted)
}

// Stop brings the service to StateStopped. Calling Stop on an
// already-stopped service returns immediately with no side effect.
func (s *Service) Stop(ctx context.Context) error {
	return s.enqueue(ctx, StateStopped)
}

// Acquire registers consumer as depending on this service and starts it
// if it is not running yet. The physical start happens when the consumer
// set becomes non-empty; additional consumers observe the idempotent
// no-op path. If the start fails the consumer registration is rolled
// back so a failed owner does not pin the service.
func (s *Service) Acquire(ctx context.Context, consumer string) error {
	s.mu.Lock()
	s.consumers[consumer] = struct{}{}
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.consumers, consumer)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Release deregisters consumer. The service is physically stopped only
// when the consumer set becomes empty; while other consumers remain the
// service stays started.
func (s *Service) Release(ctx context.Context, consumer string) error {
	s.mu.Lock()
	delete(s.consumers, consumer)
	remaining := len(s.consumers)
	s.mu.Unlock()

	if remaining > 0 {
		logging.Debug("Service", "%s released by %s, %d consumers remain", s.Name(), consumer, remaining)
		return nil
	}
	return s.Stop(ctx)
}

// WaitForStarted returns nil immediately if the service is started,
// otherwise it blocks until a transition to StateStarted is observed.
// A transition to StateStopped while waiting (a failed start) surfaces
// as an error rather than a hang.
func (s *Service) WaitForStarted(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		lastErr := s.lastErr
		ch := s.changed
		s.mu.Unlock()

		switch state {
		case StateStarted:
			return nil
		case StateStopped:
			if lastErr != nil {
				return fmt.Errorf("service %s stopped during startup: %w", s.Name(), lastErr)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Service) enqueue(ctx context.Context, target State) error {
	t := &transition{target: target, ctx: ctx, done: make(chan error, 1)}

	s.mu.Lock()
	s.queue = append(s.queue, t)
	if !s.working {
		s.working = true
		go s.work()
	}
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work drains the FIFO. Exactly one worker is in flight per service.
func (s *Service) work() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.working = false
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		t.done <- s.perform(t)
	}
}

func (s *Service) perform(t *transition) error {
	// The enqueuer gave up when its context ended; running the
	// transition anyway would change state on behalf of a caller that
	// already observed a failure.
	if err := t.ctx.Err(); err != nil {
		logging.Debug("Service", "%s dropping abandoned transition to %s", s.Name(), t.target)
		return err
	}

	s.mu.Lock()
	current := s.state
	s.mu.Unlock()

	if current == t.target {
		return nil
	}

	switch t.target {
	case StateStarted:
		s.setState(StateStarting, nil)
		if err := s.runner.StartRunner(t.ctx); err != nil {
			// A failed start leaves the service stopped and propagates
			// once to the caller. Retry is the orchestrator's job.
			s.setState(StateStopped, err)
			return fmt.Errorf("failed to start %s: %w", s.Name(), err)
		}
		s.setState(StateStarted, nil)
		logging.Debug("Service", "%s started", s.Name())
		return nil

	case StateStopped:
		s.setState(StateStopping, nil)
		err := s.runner.StopRunner(t.ctx)
		s.setState(StateStopped, err)
		if err != nil {
			return fmt.Errorf("failed to stop %s: %w", s.Name(), err)
		}
		logging.Debug("Service", "%s stopped", s.Name())
		return nil

	default:
		return fmt.Errorf("invalid transition target %s", t.target)
	}
}

func (s *Service) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}
