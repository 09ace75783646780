package server

import (
	"slices"
	"sort"
	"time"

	"github.com/Tyrowin/helpdesk-relay/internal/protocol"
)

// shardPayload is the body of a presence-shard envelope.
type shardPayload struct {
	Entries []protocol.PresenceEntry `json:"entries"`
}

type presenceShard struct {
	entries []protocol.PresenceEntry
	seen    time.Time
}

// presenceRegistry holds this worker's live connections in connect order and,
// in cluster scope, the last shard heard from every other worker.
// It is owned by the hub loop.
type presenceRegistry struct {
	local       []protocol.PresenceEntry
	shards      map[string]*presenceShard
	lastEmitted []protocol.PresenceEntry
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{shards: make(map[string]*presenceShard)}
}

func (p *presenceRegistry) add(entry protocol.PresenceEntry) {
	p.local = append(p.local, entry)
}

func (p *presenceRegistry) remove(connID string) bool {
	for i, e := range p.local {
		if e.ConnectionID == connID {
			p.local = slices.Delete(p.local, i, i+1)
			return true
		}
	}
	return false
}

// localEntries copies the local list; the result is never nil so it encodes
// as an empty JSON array.
func (p *presenceRegistry) localEntries() []protocol.PresenceEntry {
	out := make([]protocol.PresenceEntry, len(p.local))
	copy(out, p.local)
	return out
}

func (p *presenceRegistry) knows(node string) bool {
	_, ok := p.shards[node]
	return ok
}

// applyShard stores the latest list heard from node.
func (p *presenceRegistry) applyShard(node string, entries []protocol.PresenceEntry, now time.Time) {
	p.shards[node] = &presenceShard{entries: slices.Clone(entries), seen: now}
}

// dropShard forgets node and returns the entries it had.
func (p *presenceRegistry) dropShard(node string) []protocol.PresenceEntry {
	shard, ok := p.shards[node]
	if !ok {
		return nil
	}
	delete(p.shards, node)
	return shard.entries
}

// expire drops every shard not refreshed since cutoff and returns their entries.
func (p *presenceRegistry) expire(cutoff time.Time) []protocol.PresenceEntry {
	var gone []protocol.PresenceEntry
	for _, node := range p.nodes() {
		if p.shards[node].seen.Before(cutoff) {
			gone = append(gone, p.dropShard(node)...)
		}
	}
	return gone
}

func (p *presenceRegistry) nodes() []string {
	nodes := make([]string, 0, len(p.shards))
	for node := range p.shards {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// merged is the cluster-wide list: local entries first, then every other
// worker's shard ordered by worker id.
func (p *presenceRegistry) merged() []protocol.PresenceEntry {
	out := p.localEntries()
	for _, node := range p.nodes() {
		out = append(out, p.shards[node].entries...)
	}
	return out
}

// markEmitted records list as the last one sent and reports whether it
// differs from the previous one.
func (p *presenceRegistry) markEmitted(list []protocol.PresenceEntry) bool {
	changed := !slices.Equal(list, p.lastEmitted) || p.lastEmitted == nil
	p.lastEmitted = slices.Clone(list)
	if p.lastEmitted == nil {
		p.lastEmitted = []protocol.PresenceEntry{}
	}
	return changed
}
