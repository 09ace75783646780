package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
	"github.com/Tyrowin/helpdesk-relay/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffered = 256
)

// Client is one identified websocket connection held by this worker.
// Its identity is bound at the handshake and never changes.
type Client struct {
	id             string
	identity       protocol.Identity
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         *zap.Logger
}

// NewClient creates a Client for an upgraded connection. conn may be nil in
// tests; such clients are registered without pumps and their events are read
// from GetSendChan.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, identity protocol.Identity) *Client {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(hub.maxSize)
	}

	return &Client{
		id:             id,
		identity:       identity,
		conn:           conn,
		send:           make(chan []byte, sendBuffered),
		hub:            hub,
		addr:           addr,
		maxMessageSize: hub.maxSize,
		rateLimiter:    newRateLimiter(hub.rateLimit.Burst, hub.rateLimit.RefillInterval),
		rateLimit:      hub.rateLimit,
		logger:         hub.logger.With(zap.String("conn", id), zap.String("addr", addr)),
	}
}

// ID returns the connection identifier, unique within this worker.
func (c *Client) ID() string { return c.id }

// GetSendChan returns the client's outgoing event frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching its cause. Every
// read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding operation",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processFrame decodes one client operation and hands it to the hub.
// Malformed frames are dropped; the protocol has no error channel.
func (c *Client) processFrame(raw []byte) bool {
	var frame protocol.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("invalid frame", zap.Error(err))
		return false
	}

	switch frame.Op {
	case protocol.OpJoin:
		req, err := protocol.DecodeJoin(frame)
		if err != nil {
			c.logger.Warn("invalid join", zap.Error(err))
			return false
		}
		c.hub.Join(c, req)
	case protocol.OpSend:
		c.hub.Send(c, protocol.DecodeSend(frame))
	default:
		c.logger.Warn("unknown operation", zap.String("op", frame.Op))
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection in writePump", zap.Error(err))
	}
}

// handleFrame writes one event frame, or the close frame once the hub has
// closed the send channel.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", zap.Error(err))
		}
		return false
	}

	// Each event is its own text frame so clients can decode frames independently.
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug("error writing frame", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}
