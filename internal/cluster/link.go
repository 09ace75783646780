package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayLink is the worker side of the primary relay. It keeps one websocket
// to the primary's RelayHub, redialling with a fixed delay whenever the link
// drops. Publish fails fast while there is no link.
type RelayLink struct {
	url    string
	dialer *websocket.Dialer
	retry  time.Duration
	logger *zap.Logger
	out    chan Envelope

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialRelay starts linking to the relay hub at addr (host:port). It returns
// immediately; the first connection attempt happens in the background.
func DialRelay(ctx context.Context, addr string, logger *zap.Logger) *RelayLink {
	lctx, cancel := context.WithCancel(ctx)
	l := &RelayLink{
		url:    "ws://" + addr + RelayPath,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		retry:  time.Second,
		logger: logger.With(zap.String("fabric", "primary"), zap.String("relay", addr)),
		out:    make(chan Envelope, 256),
		ctx:    lctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Connected reports whether the link is currently up.
func (l *RelayLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *RelayLink) run() {
	defer l.wg.Done()

	degraded := false
	for {
		conn, resp, err := l.dialer.DialContext(l.ctx, l.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			if !degraded {
				l.logger.Warn("relay unreachable; running isolated", zap.Error(err))
				degraded = true
			}
			select {
			case <-time.After(l.retry):
				continue
			case <-l.ctx.Done():
				return
			}
		}

		if degraded {
			l.logger.Info("relay link restored")
			degraded = false
		}
		l.setConn(conn)
		l.readLoop(conn)
		l.setConn(nil)
		_ = conn.Close()

		if l.ctx.Err() != nil {
			return
		}
	}
}

func (l *RelayLink) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *RelayLink) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(relayMaxFrame)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("relay link lost", zap.Error(err))
			}
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			l.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		select {
		case l.out <- env:
		case <-l.ctx.Done():
			return
		}
	}
}

// Publish writes env to the relay. The hub does not echo frames back to their
// sender, so Publish also loops env into Messages to keep the Fabric contract.
func (l *RelayLink) Publish(_ context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrFabricUnavailable
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(relayWriteWait)); err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	select {
	case l.out <- env:
	default:
	}
	return nil
}

// Messages returns the inbound envelope stream. It is never closed.
func (l *RelayLink) Messages() <-chan Envelope {
	return l.out
}

// Close stops redialling and closes the current link.
func (l *RelayLink) Close() error {
	l.cancel()
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
