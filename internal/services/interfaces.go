package services

import (
	"context"
)

// State represents the lifecycle state of a service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

// Runner implements the physical start and stop of a service. Concrete
// components (transport, proxies, heartbeat) implement Runner and are
// wrapped in a Service for lifecycle management.
type Runner interface {
	// Name returns the unique name of the service.
	Name() string

	// StartRunner performs the physical start. An error aborts the start
	// attempt and leaves the service stopped.
	StartRunner(ctx context.Context) error

	// StopRunner performs the physical stop.
	StopRunner(ctx context.Context) error
}

// ActiveService describes one non-stopped service, used for diagnosing
// leaks at shutdown.
type ActiveService struct {
	Name      string
	State     State
	Consumers []string
}
