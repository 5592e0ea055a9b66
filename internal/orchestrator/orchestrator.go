// Package orchestrator owns the runtime's startup sequence, the
// reconnect loop and the single graceful shutdown path.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"toolmesh/internal/agentproxy"
	"toolmesh/internal/bus"
	"toolmesh/internal/config"
	"toolmesh/internal/identity"
	"toolmesh/internal/protocol"
	"toolmesh/internal/services"
	"toolmesh/internal/toolproxy"
	"toolmesh/pkg/logging"
)

// consumerName is how the orchestrator identifies itself on the shared
// services it acquires.
const consumerName = "orchestrator"

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 1 * time.Minute
)

// Orchestrator wires the runtime together: transport, identity, health
// heartbeat and the capability proxies. It runs one supervisory loop
// that brings everything up in order, tears everything down on failure
// and retries with backoff. The loop never runs twice concurrently.
type Orchestrator struct {
	cfg     *config.Config
	version string

	registry *services.Registry
	identity *identity.Identity

	transport    *bus.Transport
	transportSvc *services.Service
	healthSvc    *services.Service
	toolSvc      *services.Service
	agentSvc     *services.Service

	agent   *agentproxy.Server
	toolMgr *toolproxy.Manager

	// failures receives the first detected connection loss per session.
	failures chan error

	stopOnce sync.Once
	stopped  chan struct{}

	// sdNotify is swappable for tests.
	sdNotify func(unsetEnv bool, state string) (bool, error)
}

// New builds a fully wired but not yet started orchestrator.
func New(cfg *config.Config, version string) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		version:  version,
		registry: services.NewRegistry(),
		identity: identity.New(cfg.Name, cfg.Workspace, version),
		failures: make(chan error, 1),
		stopped:  make(chan struct{}),
		sdNotify: daemon.SdNotify,
	}

	o.identity.SetCapability(protocol.CapabilityAgent, cfg.Capabilities.Agent == config.CapabilityEnabled)
	o.identity.SetCapability(protocol.CapabilityTool, cfg.Capabilities.Tool)

	o.transport = bus.NewTransport(bus.Options{URL: cfg.BusURL}, protocol.NewCodec())
	o.transportSvc = services.NewService(o.registry, o.transport)

	health := identity.NewHealth(o.transport, o.identity, cfg.Heartbeat.Interval, cfg.Heartbeat.TTL)
	health.SetOnFailure(o.reportFailure)
	o.healthSvc = services.NewService(o.registry, health)

	o.toolMgr = toolproxy.NewManager(o.transport, o.identity)
	o.toolSvc = services.NewService(o.registry, o.toolMgr)

	o.agent = agentproxy.NewServer(agentproxy.Options{
		Transport:   cfg.Agent.Transport,
		Host:        cfg.Agent.Host,
		Port:        cfg.Agent.Port,
		Version:     version,
		CallTimeout: cfg.RequestTimeout,
	}, o.transport, o.identity)
	o.agent.OnFirstHandshake(o.promoteAgentCapability)
	o.agent.OnRoots(func(roots []protocol.Root) {
		o.toolMgr.SetRoots(context.Background(), roots)
	})
	o.agentSvc = services.NewService(o.registry, o.agent)

	return o
}

// Identity returns the runtime identity, for introspection.
func (o *Orchestrator) Identity() *identity.Identity {
	return o.identity
}

// Registry returns the service registry, for introspection.
func (o *Orchestrator) Registry() *services.Registry {
	return o.registry
}

// Run executes the supervisory loop until ctx is canceled or Stop is
// called. A failed or lost session tears everything down and retries
// from the top with exponential backoff.
func (o *Orchestrator) Run(ctx context.Context) error {
	bo := newBackoff(reconnectInitial, reconnectMax)

	for {
		err := o.startSession(ctx)
		if err == nil {
			bo.reset()
			o.sdNotify(false, daemon.SdNotifyReady)
			logging.Info("Orchestrator", "Runtime %s up in workspace %s (runtime=%s)",
				o.cfg.Name, o.identity.WorkspaceID(), o.identity.RuntimeID())

			select {
			case <-ctx.Done():
				o.Stop(context.Background())
				return nil
			case <-o.stopped:
				return nil
			case err = <-o.failures:
				logging.Warn("Orchestrator", "Session lost: %v", err)
			}
		} else {
			logging.Error("Orchestrator", err, "Startup failed")
		}

		o.teardown(context.Background())

		select {
		case <-ctx.Done():
			o.Stop(context.Background())
			return nil
		case <-o.stopped:
			return nil
		default:
		}

		delay := bo.next()
		logging.Info("Orchestrator", "Reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			o.Stop(context.Background())
			return nil
		case <-o.stopped:
			return nil
		case <-time.After(delay):
		}
	}
}

// startSession brings the runtime up in order: transport, registration,
// heartbeat, then the enabled capability proxies. Any failure leaves the
// acquired services for the caller to tear down.
func (o *Orchestrator) startSession(ctx context.Context) error {
	if err := o.transportSvc.Acquire(ctx, consumerName); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	if err := o.register(ctx); err != nil {
		return fmt.Errorf("registration: %w", err)
	}

	if err := o.healthSvc.Acquire(ctx, consumerName); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if o.cfg.Capabilities.Tool {
		if err := o.toolSvc.Acquire(ctx, consumerName); err != nil {
			return fmt.Errorf("tool proxy: %w", err)
		}
	}

	if o.cfg.Capabilities.Agent != config.CapabilityDisabled {
		if err := o.agentSvc.Acquire(ctx, consumerName); err != nil {
			return fmt.Errorf("agent proxy: %w", err)
		}
	}

	return nil
}

// register announces this runtime to the control plane and stores the
// assigned identity fields.
func (o *Orchestrator) register(ctx context.Context) error {
	req := o.identity.ConnectRequest()
	reply, err := o.transport.Request(ctx, protocol.ControlPlaneSubject(), &req, o.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	ack, ok := reply.(*protocol.RuntimeConnectAck)
	if !ok {
		return fmt.Errorf("unexpected reply type %T", reply)
	}
	if ack.RegistrationID == "" || ack.RuntimeID == "" {
		return fmt.Errorf("control plane returned incomplete identity")
	}

	o.identity.SetRegistration(*ack)
	logging.Info("Orchestrator", "Registered as runtime %s (registration %s)", ack.RuntimeID, ack.RegistrationID)
	return nil
}

// promoteAgentCapability fires on the first completed agent handshake.
// A runtime configured with agent=auto advertises the capability only
// once a real agent has shown up.
func (o *Orchestrator) promoteAgentCapability() {
	if o.cfg.Capabilities.Agent != config.CapabilityAuto {
		return
	}
	if o.identity.HasCapability(protocol.CapabilityAgent) {
		return
	}

	o.identity.SetCapability(protocol.CapabilityAgent, true)
	logging.Info("Orchestrator", "Agent capability promoted after first handshake")

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
	defer cancel()

	req := &protocol.CapabilityUpdateRequest{
		RegistrationID: o.identity.RegistrationID(),
		Capabilities:   o.identity.Capabilities(),
	}
	reply, err := o.transport.Request(ctx, protocol.ControlPlaneSubject(), req, o.cfg.RequestTimeout)
	if err != nil {
		logging.Warn("Orchestrator", "Capability update not acknowledged: %v", err)
		return
	}
	if ack, ok := reply.(*protocol.CapabilityUpdateAck); !ok || !ack.OK {
		logging.Warn("Orchestrator", "Control plane rejected capability update")
	}
}

// reportFailure funnels a detected connection loss into the supervisory
// loop. Only the first report per session matters.
func (o *Orchestrator) reportFailure(err error) {
	select {
	case o.failures <- err:
	default:
	}
}

// teardown releases everything in reverse start order and clears the
// assigned identity so the next session registers from scratch.
func (o *Orchestrator) teardown(ctx context.Context) {
	for _, svc := range []*services.Service{o.agentSvc, o.toolSvc, o.healthSvc, o.transportSvc} {
		if err := svc.Release(ctx, consumerName); err != nil {
			logging.Warn("Orchestrator", "Failed to stop %s: %v", svc.Name(), err)
		}
	}

	for _, active := range o.registry.Active() {
		logging.Warn("Orchestrator", "Service %s still %s, held by %v", active.Name, active.State, active.Consumers)
	}

	o.identity.ClearRegistration()

	// Drain a failure reported during teardown so it cannot leak into
	// the next session.
	select {
	case <-o.failures:
	default:
	}
}

// Stop shuts the runtime down exactly once: signals, fatal errors and a
// canceled Run all funnel here.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.sdNotify(false, daemon.SdNotifyStopping)
		logging.Info("Orchestrator", "Shutting down")
		o.teardown(ctx)
		close(o.stopped)
	})
}
