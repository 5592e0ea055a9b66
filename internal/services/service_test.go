package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner implements Runner for testing
type mockRunner struct {
	mu         sync.Mutex
	name       string
	startErr   error
	stopErr    error
	startDelay time.Duration
	starts     int
	stops      int
}

func newMockRunner(name string) *mockRunner {
	return &mockRunner{name: name}
}

func (m *mockRunner) Name() string {
	return m.name
}

func (m *mockRunner) StartRunner(ctx context.Context) error {
	m.mu.Lock()
	m.starts++
	delay := m.startDelay
	err := m.startErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockRunner) StopRunner(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return m.stopErr
}

func (m *mockRunner) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *mockRunner) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func TestService_StartStop(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	svc := NewService(registry, runner)

	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, StateStarted, svc.State())
	assert.Equal(t, 1, runner.startCount())

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, runner.stopCount())
}

func TestService_StartIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	svc := NewService(registry, runner)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))

	assert.Equal(t, 1, runner.startCount(), "redundant starts must not reach the runner")
}

func TestService_StopWhileStoppedIsNoop(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	svc := NewService(registry, runner)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, 0, runner.stopCount())
}

func TestService_FailedStartSurfacesError(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	runner.startErr = errors.New("boom")
	svc := NewService(registry, runner)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateStopped, svc.State())

	// The error is not sticky: a later start may succeed.
	runner.mu.Lock()
	runner.startErr = nil
	runner.mu.Unlock()
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateStarted, svc.State())
}

func TestService_ConsumerCounting(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("shared")
	svc := NewService(registry, runner)

	ctx := context.Background()

	require.NoError(t, svc.Acquire(ctx, "a"))
	require.NoError(t, svc.Acquire(ctx, "b"))
	assert.Equal(t, 1, runner.startCount(), "second consumer joins the running instance")

	require.NoError(t, svc.Release(ctx, "a"))
	assert.Equal(t, StateStarted, svc.State(), "service stays up while a consumer remains")
	assert.Equal(t, 0, runner.stopCount())

	require.NoError(t, svc.Release(ctx, "b"))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, runner.stopCount())
}

func TestService_FailedAcquireRollsBackConsumer(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("shared")
	runner.startErr = errors.New("no dice")
	svc := NewService(registry, runner)

	err := svc.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.Empty(t, svc.Consumers(), "failed owner must not pin the service")
}

func TestService_WaitForStartedReturnsOnFailure(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	runner.startErr = errors.New("refused")
	runner.startDelay = 20 * time.Millisecond
	svc := NewService(registry, runner)

	go svc.Start(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := svc.WaitForStarted(ctx)
	require.Error(t, err, "a failed start must not hang waiters")
	assert.Contains(t, err.Error(), "refused")
}

func TestService_WaitForStartedImmediate(t *testing.T) {
	registry := NewRegistry()
	svc := NewService(registry, newMockRunner("test"))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.WaitForStarted(ctx))
}

func TestService_TransitionsAreSerialized(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("slow")
	runner.startDelay = 30 * time.Millisecond
	svc := NewService(registry, runner)

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = svc.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = svc.Stop(ctx)
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, the service must settle in a
	// coherent terminal state.
	state := svc.State()
	assert.Contains(t, []State{StateStarted, StateStopped}, state)
}

func TestRegistry_Active(t *testing.T) {
	registry := NewRegistry()
	a := NewService(registry, newMockRunner("a"))
	NewService(registry, newMockRunner("b"))

	ctx := context.Background()
	require.NoError(t, a.Acquire(ctx, "owner"))

	active := registry.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Name)
	assert.Equal(t, []string{"owner"}, active[0].Consumers)
}

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry()
	svc := NewService(registry, newMockRunner("named"))

	got, ok := registry.Get("named")
	require.True(t, ok)
	assert.Same(t, svc, got)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestService_AbandonedTransitionIsDropped(t *testing.T) {
	registry := NewRegistry()
	runner := newMockRunner("test")
	runner.startDelay = 50 * time.Millisecond
	svc := NewService(registry, runner)

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(context.Background()) }()
	require.Eventually(t, func() bool { return svc.State() == StateStarting },
		time.Second, 5*time.Millisecond)

	// The stop's caller gives up before the worker reaches it; the
	// queued transition must not run later and undo the start.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.Stop(canceled), context.Canceled)

	require.NoError(t, <-startErr)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStarted, svc.State())
	assert.Equal(t, 0, runner.stopCount())
}
