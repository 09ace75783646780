package cluster

import (
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"
)

// ErrNoWorkers is returned when no worker is available to take a request.
var ErrNoWorkers = errors.New("no live workers")

type backend struct {
	slot     int
	target   *url.URL
	up       bool
	inflight int
}

type pin struct {
	slot     int
	active   int
	lastSeen time.Time
}

// Balancer assigns affinity tokens to worker slots. A token stays pinned to
// its worker while that worker is up; new or orphaned tokens go to the worker
// with the fewest in-flight requests. Websocket upgrades stay in flight for
// the life of the connection, so in-flight counts track live connections.
type Balancer struct {
	mu       sync.Mutex
	backends map[int]*backend
	pins     map[string]*pin
	ttl      time.Duration
	now      func() time.Time
}

// NewBalancer creates a balancer whose idle pins expire after ttl.
func NewBalancer(ttl time.Duration) *Balancer {
	return &Balancer{
		backends: make(map[int]*backend),
		pins:     make(map[string]*pin),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetWorker registers the address of the worker in slot. Workers start down.
func (b *Balancer) SetWorker(slot int, target *url.URL) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[slot]; ok {
		be.target = target
		return
	}
	b.backends[slot] = &backend{slot: slot, target: target}
}

// MarkUp makes slot eligible for new requests.
func (b *Balancer) MarkUp(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[slot]; ok {
		be.up = true
	}
}

// MarkDown removes slot from rotation and releases every token pinned to it.
func (b *Balancer) MarkDown(slot int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[slot]; ok {
		be.up = false
	}
	for token, p := range b.pins {
		if p.slot == slot {
			delete(b.pins, token)
		}
	}
}

// Acquire picks the worker for token and counts the request as in flight
// until release is called.
func (b *Balancer) Acquire(token string) (slot int, target *url.URL, release func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, pinned := b.pins[token]
	var be *backend
	if pinned {
		if candidate, ok := b.backends[p.slot]; ok && candidate.up {
			be = candidate
		}
	}
	if be == nil {
		be = b.leastLoaded()
		if be == nil {
			return 0, nil, nil, ErrNoWorkers
		}
		p = &pin{slot: be.slot}
		b.pins[token] = p
	}

	be.inflight++
	p.active++
	p.lastSeen = b.now()

	var once sync.Once
	release = func() {
		once.Do(func() { b.release(token, be, p) })
	}
	return be.slot, be.target, release, nil
}

func (b *Balancer) release(token string, be *backend, p *pin) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be.inflight > 0 {
		be.inflight--
	}
	if p.active > 0 {
		p.active--
	}
	if current, ok := b.pins[token]; ok && current == p {
		p.lastSeen = b.now()
	}
}

func (b *Balancer) leastLoaded() *backend {
	slots := make([]int, 0, len(b.backends))
	for slot := range b.backends {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	var best *backend
	for _, slot := range slots {
		be := b.backends[slot]
		if !be.up {
			continue
		}
		if best == nil || be.inflight < best.inflight {
			best = be
		}
	}
	return best
}

// Sweep forgets idle pins older than the ttl and returns how many it removed.
func (b *Balancer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.ttl)
	removed := 0
	for token, p := range b.pins {
		if p.active == 0 && p.lastSeen.Before(cutoff) {
			delete(b.pins, token)
			removed++
		}
	}
	return removed
}

// Load returns the in-flight count of slot.
func (b *Balancer) Load(slot int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[slot]; ok {
		return be.inflight
	}
	return 0
}

// PinnedSlot returns the slot token is pinned to, if any.
func (b *Balancer) PinnedSlot(token string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[token]
	if !ok {
		return 0, false
	}
	return p.slot, true
}
