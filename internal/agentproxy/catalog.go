// Package agentproxy exposes the workspace tool catalog to an MCP agent
// client and routes its tool calls over the message bus to the hosting
// runtimes.
package agentproxy

import (
	"context"
	"sort"
	"sync"

	"toolmesh/internal/protocol"
	"toolmesh/internal/watch"
)

// Catalog is the merged view of every runtime's published tool set,
// keyed by registration. The merged list becomes available only after
// the first update arrives, so consumers can distinguish "no tools yet"
// from "no tools".
type Catalog struct {
	mu             sync.RWMutex
	byRegistration map[string][]protocol.ToolDescriptor
	value          *watch.Value[[]protocol.ToolDescriptor]
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byRegistration: make(map[string][]protocol.ToolDescriptor),
		value:          watch.NewValue[[]protocol.ToolDescriptor](),
	}
}

// ApplyUpdate replaces one registration's tool set with the update's
// full contents. An empty tool list removes the registration.
func (c *Catalog) ApplyUpdate(update protocol.CatalogUpdate) {
	if update.RegistrationID == "" {
		return
	}

	c.mu.Lock()
	if len(update.Tools) == 0 {
		delete(c.byRegistration, update.RegistrationID)
	} else {
		c.byRegistration[update.RegistrationID] = update.Tools
	}
	merged := c.mergeLocked()
	c.mu.Unlock()

	c.value.Set(merged)
}

// DropRegistration removes a runtime's tools, e.g. after its presence
// record disappeared.
func (c *Catalog) DropRegistration(regID string) {
	c.mu.Lock()
	if _, ok := c.byRegistration[regID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byRegistration, regID)
	merged := c.mergeLocked()
	c.mu.Unlock()

	c.value.Set(merged)
}

// Registrations lists the registration ids currently contributing tools.
func (c *Catalog) Registrations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	regs := make([]string, 0, len(c.byRegistration))
	for regID := range c.byRegistration {
		regs = append(regs, regID)
	}
	sort.Strings(regs)
	return regs
}

func (c *Catalog) mergeLocked() []protocol.ToolDescriptor {
	var merged []protocol.ToolDescriptor
	for _, tools := range c.byRegistration {
		merged = append(merged, tools...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// Tools returns the current merged tool list and whether any update has
// arrived yet.
func (c *Catalog) Tools() ([]protocol.ToolDescriptor, bool) {
	return c.value.Get()
}

// Wait blocks until the first update has arrived, then returns the
// merged list.
func (c *Catalog) Wait(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	return c.value.Wait(ctx)
}

// Subscribe delivers the current merged list (if available) and every
// subsequent change.
func (c *Catalog) Subscribe() (<-chan []protocol.ToolDescriptor, func()) {
	return c.value.Subscribe()
}

// Find looks up one tool by id in the current merged list.
func (c *Catalog) Find(toolID string) (protocol.ToolDescriptor, bool) {
	tools, ok := c.value.Get()
	if !ok {
		return protocol.ToolDescriptor{}, false
	}
	for _, t := range tools {
		if t.ID == toolID {
			return t, true
		}
	}
	return protocol.ToolDescriptor{}, false
}
