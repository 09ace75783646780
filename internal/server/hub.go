package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/cluster"
	"github.com/Tyrowin/helpdesk-relay/internal/config"
	"github.com/Tyrowin/helpdesk-relay/internal/protocol"
)

const publishTimeout = 2 * time.Second

// HubOptions configures a Hub. Zero values take defaults; a nil Fabric leaves
// the worker isolated.
type HubOptions struct {
	NodeID            string
	Fabric            cluster.Fabric
	PresenceScope     string
	PresenceHeartbeat time.Duration
	MaxMessageSize    int64
	RateLimit         config.RateLimitConfig
	Logger            *zap.Logger
}

type opKind int

const (
	opJoin opKind = iota
	opSend
)

type clientOp struct {
	client *Client
	kind   opKind
	join   protocol.JoinRequest
	send   protocol.SendRequest
}

// Hub owns every piece of per-worker state: the live connections, the
// presence registry and the room table. All of it is touched only from the
// Run goroutine, which processes connects, disconnects, client operations and
// relayed envelopes one at a time in arrival order.
type Hub struct {
	nodeID    string
	fabric    cluster.Fabric
	scope     string
	heartbeat time.Duration
	maxSize   int64
	rateLimit config.RateLimitConfig
	logger    *zap.Logger
	now       func() time.Time

	clients  map[string]*Client
	presence *presenceRegistry
	rooms    *roomTable
	degraded bool

	register   chan *Client
	unregister chan *Client
	ops        chan clientOp
	queries    chan func()
	connected  atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub ready to Run.
func NewHub(opts HubOptions) *Hub {
	def := config.NewConfig()
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PresenceScope != config.PresenceShard {
		opts.PresenceScope = config.PresenceCluster
	}
	if opts.PresenceHeartbeat <= 0 {
		opts.PresenceHeartbeat = def.PresenceHeartbeat
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.RateLimit.Burst <= 0 || opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit = def.RateLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		nodeID:     opts.NodeID,
		fabric:     opts.Fabric,
		scope:      opts.PresenceScope,
		heartbeat:  opts.PresenceHeartbeat,
		maxSize:    opts.MaxMessageSize,
		rateLimit:  opts.RateLimit,
		logger:     opts.Logger.With(zap.String("node", opts.NodeID)),
		now:        time.Now,
		clients:    make(map[string]*Client),
		presence:   newPresenceRegistry(),
		rooms:      newRoomTable(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ops:        make(chan clientOp),
		queries:    make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// NodeID identifies this worker on the fabric.
func (h *Hub) NodeID() string { return h.nodeID }

// ClientCount returns the number of live local connections.
func (h *Hub) ClientCount() int { return int(h.connected.Load()) }

// Register admits an identified client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client; unknown or already removed clients are ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join queues a join operation issued by c.
func (h *Hub) Join(c *Client, req protocol.JoinRequest) {
	h.submit(clientOp{client: c, kind: opJoin, join: req})
}

// Send queues a room message issued by c.
func (h *Hub) Send(c *Client, req protocol.SendRequest) {
	h.submit(clientOp{client: c, kind: opSend, send: req})
}

func (h *Hub) submit(op clientOp) {
	select {
	case h.ops <- op:
	case <-h.done:
	}
}

// query runs fn on the hub goroutine and waits for it. It reports false if
// the hub has stopped.
func (h *Hub) query(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
		<-finished
		return true
	case <-h.done:
		return false
	}
}

// Presence returns the list the hub would currently broadcast.
func (h *Hub) Presence() []protocol.PresenceEntry {
	var list []protocol.PresenceEntry
	h.query(func() {
		if h.scope == config.PresenceShard {
			list = h.presence.localEntries()
			return
		}
		list = h.presence.merged()
	})
	return list
}

// RoomsOf returns the rooms c currently belongs to.
func (h *Hub) RoomsOf(c *Client) []string {
	var rooms []string
	h.query(func() { rooms = h.rooms.roomsOf(c.id) })
	return rooms
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	var tick <-chan time.Time
	if h.scope == config.PresenceCluster {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
		h.publish(cluster.NewEnvelope(h.nodeID, cluster.KindPresenceSync))
	}

	var inbound <-chan cluster.Envelope
	if h.fabric != nil {
		inbound = h.fabric.Messages()
	}

	h.logger.Info("hub started", zap.String("presence", h.scope))
	for {
		select {
		case <-h.ctx.Done():
			h.publish(cluster.NewEnvelope(h.nodeID, cluster.KindNodeDown))
			h.shutdownClients()
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.removeClient(c, "disconnected")

		case op := <-h.ops:
			h.handleOp(op)

		case fn := <-h.queries:
			fn()

		case env, ok := <-inbound:
			if !ok {
				h.logger.Warn("relay fabric closed; running isolated")
				inbound = nil
				continue
			}
			h.handleEnvelope(env)

		case now := <-tick:
			h.handleHeartbeat(now)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}
	if _, dup := h.clients[c.id]; dup {
		return
	}

	h.clients[c.id] = c
	c.closed = false
	h.presence.add(protocol.NewPresenceEntry(c.id, c.identity))
	h.connected.Store(int64(len(h.clients)))
	h.logger.Info("client registered",
		zap.String("conn", c.id),
		zap.String("user", c.identity.Username),
		zap.String("role", string(c.identity.Role)),
		zap.String("addr", c.addr),
		zap.Int("clients", len(h.clients)))

	if c.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
		go func() {
			defer h.wg.Done()
			c.readPump()
		}()
	}

	h.presenceChanged()
}

// removeClient drops c from the registry and every room before presence is
// recomputed, then tells the cluster it left.
func (h *Hub) removeClient(c *Client, reason string) {
	if c == nil {
		return
	}
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}

	delete(h.clients, c.id)
	left := h.rooms.leaveAll(c.id)
	h.presence.remove(c.id)
	c.closed = true
	close(c.send)
	h.connected.Store(int64(len(h.clients)))
	h.logger.Info("client unregistered",
		zap.String("conn", c.id),
		zap.String("user", c.identity.Username),
		zap.String("reason", reason),
		zap.Strings("rooms", left),
		zap.Int("clients", len(h.clients)))

	h.broadcast(protocol.EventPeerLeft, c.id)
	h.presenceChanged()
}

func (h *Hub) handleOp(op clientOp) {
	c := op.client
	if c == nil {
		return
	}
	if current, ok := h.clients[c.id]; !ok || current != c {
		h.logger.Debug("dropping operation from departed client", zap.String("conn", c.id))
		return
	}

	switch op.kind {
	case opJoin:
		h.handleJoin(c, op.join)
	case opSend:
		h.handleSend(c, op.send)
	}
}

func (h *Hub) handleJoin(c *Client, req protocol.JoinRequest) {
	if req.Recipient == "" {
		h.logger.Debug("join without room ignored", zap.String("conn", c.id))
		return
	}

	added := h.rooms.join(req.Recipient, c.id)
	h.logger.Info("joined room",
		zap.String("conn", c.id),
		zap.String("role", string(req.Role)),
		zap.String("room", req.Recipient),
		zap.Bool("new", added))

	if req.HelperJoinsOther() {
		h.logger.Info("helper joined user chat",
			zap.String("helper", req.LoggedInUserID),
			zap.String("room", req.Recipient))
		h.emitRoom(req.Recipient, protocol.EventHelperJoinedRoom, req.Raw, c.id)
	}
}

func (h *Hub) handleSend(c *Client, req protocol.SendRequest) {
	if req.Room == "" {
		h.logger.Debug("message without room dropped", zap.String("conn", c.id))
		return
	}
	h.logger.Debug("routing message", zap.String("conn", c.id), zap.String("room", req.Room), zap.Int("bytes", len(req.Message)))
	h.emitRoom(req.Room, protocol.EventMessageReceived, req.Message, c.id)
}

// presenceChanged is the recompute-and-broadcast step run after every local
// connect and disconnect. helper-online follows whenever the list holds a
// helper, even if it did last time.
func (h *Hub) presenceChanged() {
	local := h.presence.localEntries()

	if h.scope == config.PresenceShard {
		h.broadcast(protocol.EventPresenceUpdated, local)
		if protocol.HasHelper(local) {
			h.broadcast(protocol.EventHelperOnline, nil)
		}
		return
	}

	merged := h.presence.merged()
	h.presence.markEmitted(merged)
	h.emitPresenceLocal(merged)
	h.publishShard()
}

// refreshPresence re-emits the merged list to local clients when a remote
// shard changed it.
func (h *Hub) refreshPresence() {
	merged := h.presence.merged()
	if h.presence.markEmitted(merged) {
		h.emitPresenceLocal(merged)
	}
}

func (h *Hub) emitPresenceLocal(list []protocol.PresenceEntry) {
	h.emitLocal(protocol.EventPresenceUpdated, list)
	if protocol.HasHelper(list) {
		h.emitLocal(protocol.EventHelperOnline, nil)
	}
}

func (h *Hub) publishShard() {
	payload, err := json.Marshal(shardPayload{Entries: h.presence.localEntries()})
	if err != nil {
		h.logger.Error("encode presence shard", zap.Error(err))
		return
	}
	env := cluster.NewEnvelope(h.nodeID, cluster.KindPresenceShard)
	env.Payload = payload
	h.publish(env)
}

func (h *Hub) handleHeartbeat(now time.Time) {
	h.publishShard()

	gone := h.presence.expire(now.Add(-3 * h.heartbeat))
	if len(gone) > 0 {
		h.logger.Warn("expired stale presence shard", zap.Int("entries", len(gone)))
		for _, e := range gone {
			h.emitLocal(protocol.EventPeerLeft, e.ConnectionID)
		}
	}
	h.refreshPresence()
}

func (h *Hub) handleEnvelope(env cluster.Envelope) {
	if env.Origin == h.nodeID {
		return
	}

	switch env.Kind {
	case cluster.KindBroadcast:
		h.emitLocal(env.Event, env.Payload)

	case cluster.KindRoom:
		// connection ids are only unique per worker, so ExcludeConn never
		// applies to members held here
		h.deliverRoom(env.Room, env.Event, env.Payload, "")

	case cluster.KindPresenceShard:
		if h.scope != config.PresenceCluster {
			return
		}
		var shard shardPayload
		if err := json.Unmarshal(env.Payload, &shard); err != nil {
			h.logger.Warn("dropping malformed presence shard", zap.String("origin", env.Origin), zap.Error(err))
			return
		}
		known := h.presence.knows(env.Origin)
		h.presence.applyShard(env.Origin, shard.Entries, h.now())
		if !known {
			h.publishShard()
		}
		h.refreshPresence()

	case cluster.KindPresenceSync:
		if h.scope == config.PresenceCluster {
			h.publishShard()
		}

	case cluster.KindNodeDown:
		if h.scope != config.PresenceCluster {
			return
		}
		for _, e := range h.presence.dropShard(env.Origin) {
			h.emitLocal(protocol.EventPeerLeft, e.ConnectionID)
		}
		h.refreshPresence()

	default:
		h.logger.Debug("ignoring unknown envelope", zap.String("kind", string(env.Kind)))
	}
}

// broadcast emits to every local client and relays to every other worker.
func (h *Hub) broadcast(event string, data any) {
	raw, ok := h.emitLocal(event, data)
	if !ok {
		return
	}
	env := cluster.NewEnvelope(h.nodeID, cluster.KindBroadcast)
	env.Event = event
	env.Payload = raw
	h.publish(env)
}

// emitRoom delivers to the local members of room except exclude and relays
// the same event to every other worker's members.
func (h *Hub) emitRoom(room, event string, payload json.RawMessage, exclude string) {
	delivered := h.deliverRoom(room, event, payload, exclude)
	if delivered == 0 && h.fabric == nil {
		h.logger.Debug("no recipients in room", zap.String("room", room), zap.String("event", event))
	}

	env := cluster.NewEnvelope(h.nodeID, cluster.KindRoom)
	env.Room = room
	env.Event = event
	env.Payload = payload
	env.ExcludeConn = exclude
	h.publish(env)
}

func (h *Hub) deliverRoom(room, event string, payload json.RawMessage, exclude string) int {
	ids := h.rooms.recipients(room, exclude)
	if len(ids) == 0 {
		return 0
	}
	frame, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode room event", zap.String("event", event), zap.Error(err))
		return 0
	}

	var failed []*Client
	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if !h.deliver(c, frame) {
			failed = append(failed, c)
		}
	}
	h.evict(failed)
	return len(ids) - len(failed)
}

// emitLocal sends one event to every local client and returns the encoded
// data so callers can relay it.
func (h *Hub) emitLocal(event string, data any) (json.RawMessage, bool) {
	raw, err := rawData(data)
	if err != nil {
		h.logger.Error("encode event data", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	frame, err := protocol.EncodeEvent(event, raw)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return nil, false
	}

	var failed []*Client
	for _, c := range h.clients {
		if !h.deliver(c, frame) {
			failed = append(failed, c)
		}
	}
	h.evict(failed)
	return raw, true
}

func (h *Hub) deliver(c *Client, frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// evict removes clients whose send buffer is full.
func (h *Hub) evict(clients []*Client) {
	for _, c := range clients {
		h.removeClient(c, "send buffer full")
	}
}

// publish relays env to the other workers. Failures degrade the worker to
// serving its own connections only; they are logged once per outage.
func (h *Hub) publish(env cluster.Envelope) {
	if h.fabric == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := h.fabric.Publish(ctx, env); err != nil {
		if !h.degraded {
			h.logger.Warn("relay publish failed; clients on other workers will miss events", zap.Error(err))
			h.degraded = true
		} else {
			h.logger.Debug("relay publish failed", zap.String("kind", string(env.Kind)), zap.Error(err))
		}
		return
	}
	if h.degraded {
		h.logger.Info("relay publish restored")
		h.degraded = false
	}
}

func rawData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// shutdownClients closes every local connection.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	closed := 0
	for id, c := range h.clients {
		delete(h.clients, id)
		c.closed = true
		close(c.send)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("error closing client connection", zap.String("addr", c.addr), zap.Error(err))
			}
		}
		closed++
	}
	h.connected.Store(0)
	h.logger.Info("closed client connections", zap.Int("count", closed))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
