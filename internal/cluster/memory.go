package cluster

import (
	"context"
	"sync"
)

const memoryBuffer = 1024

// MemoryBus is an in-process fabric. Every member joined to the same bus sees
// every envelope, which makes it the fabric for standalone mode and for tests
// that run several hubs in one process.
type MemoryBus struct {
	mu      sync.RWMutex
	members map[*memoryFabric]struct{}
	down    bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{members: make(map[*memoryFabric]struct{})}
}

// Join attaches a new member to the bus.
func (b *MemoryBus) Join() Fabric {
	m := &memoryFabric{bus: b, out: make(chan Envelope, memoryBuffer)}
	b.mu.Lock()
	b.members[m] = struct{}{}
	b.mu.Unlock()
	return m
}

// SetDown simulates losing the fabric: while down, Publish fails.
func (b *MemoryBus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

type memoryFabric struct {
	bus *MemoryBus
	out chan Envelope
}

func (m *memoryFabric) Publish(_ context.Context, env Envelope) error {
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()

	if m.bus.down {
		return ErrFabricUnavailable
	}
	if _, ok := m.bus.members[m]; !ok {
		return ErrFabricUnavailable
	}
	for member := range m.bus.members {
		select {
		case member.out <- env:
		default:
			// slow member; the envelope is lost for it only
		}
	}
	return nil
}

func (m *memoryFabric) Messages() <-chan Envelope {
	return m.out
}

func (m *memoryFabric) Close() error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	if _, ok := m.bus.members[m]; ok {
		delete(m.bus.members, m)
		close(m.out)
	}
	return nil
}
