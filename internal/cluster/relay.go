package cluster

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = (relayPongWait * 9) / 10
	relayMaxFrame   = 1 << 20
	relayPeerBuffer = 1024
)

// RelayPath is where the primary accepts worker links.
const RelayPath = "/relay"

// relayFrame is one envelope received from a worker, with the worker it came
// from so it can be skipped on fan-out.
type relayFrame struct {
	sender  *relayPeer
	payload []byte
}

// RelayHub runs in the primary process and fans every envelope received from
// one worker out to all other linked workers. It never inspects envelopes
// beyond checking that they decode.
type RelayHub struct {
	peers      map[*relayPeer]bool
	broadcast  chan relayFrame
	register   chan *relayPeer
	unregister chan *relayPeer
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewRelayHub creates a relay hub ready to Run.
func NewRelayHub(logger *zap.Logger) *RelayHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayHub{
		peers:      make(map[*relayPeer]bool),
		broadcast:  make(chan relayFrame, 256),
		register:   make(chan *relayPeer),
		unregister: make(chan *relayPeer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With(zap.String("component", "relay")),
	}
}

// ServeHTTP upgrades a worker link. Only the loopback relay listener should
// route here.
func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}
	peer := &relayPeer{conn: conn, send: make(chan []byte, relayPeerBuffer), hub: h, addr: r.RemoteAddr}

	select {
	case h.register <- peer:
	case <-h.done:
		_ = conn.Close()
	}
}

// Peers returns the number of linked workers.
func (h *RelayHub) Peers() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.peers)
}

// Run is the hub's event loop. It returns after Shutdown.
func (h *RelayHub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownPeers()
			return

		case peer := <-h.register:
			h.mutex.Lock()
			h.peers[peer] = true
			count := len(h.peers)
			h.mutex.Unlock()
			h.logger.Info("worker linked", zap.String("addr", peer.addr), zap.Int("peers", count))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				peer.writePump()
			}()
			go func() {
				defer h.wg.Done()
				peer.readPump()
			}()

		case peer := <-h.unregister:
			h.removePeer(peer, "link closed")

		case frame := <-h.broadcast:
			h.fanOut(frame)
		}
	}
}

func (h *RelayHub) fanOut(frame relayFrame) {
	h.mutex.RLock()
	var slow []*relayPeer
	for peer := range h.peers {
		if peer == frame.sender {
			continue
		}
		select {
		case peer.send <- frame.payload:
		default:
			slow = append(slow, peer)
		}
	}
	h.mutex.RUnlock()

	for _, peer := range slow {
		h.removePeer(peer, "send buffer full")
	}
}

func (h *RelayHub) removePeer(peer *relayPeer, reason string) {
	h.mutex.Lock()
	if _, ok := h.peers[peer]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.peers, peer)
	count := len(h.peers)
	h.mutex.Unlock()

	close(peer.send)
	h.logger.Info("worker unlinked", zap.String("addr", peer.addr), zap.String("reason", reason), zap.Int("peers", count))
}

func (h *RelayHub) shutdownPeers() {
	h.mutex.Lock()
	peers := make([]*relayPeer, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mutex.Unlock()

	for _, peer := range peers {
		h.removePeer(peer, "shutdown")
		_ = peer.conn.Close()
	}
}

// Shutdown stops the loop and waits for the peer pumps up to timeout.
func (h *RelayHub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

type relayPeer struct {
	conn *websocket.Conn
	send chan []byte
	hub  *RelayHub
	addr string
}

func (p *relayPeer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(relayMaxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				p.hub.logger.Debug("relay read ended", zap.String("addr", p.addr), zap.Error(err))
			}
			return
		}
		// The deadline is also extended by traffic, not only by pongs.
		_ = p.conn.SetReadDeadline(time.Now().Add(relayPongWait))

		if _, err := DecodeEnvelope(data); err != nil {
			p.hub.logger.Warn("dropping malformed envelope", zap.String("addr", p.addr), zap.Error(err))
			continue
		}
		select {
		case p.hub.broadcast <- relayFrame{sender: p, payload: data}:
		case <-p.hub.done:
			return
		}
	}
}

func (p *relayPeer) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
