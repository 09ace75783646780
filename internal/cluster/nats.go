package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSFabric relays envelopes on a NATS subject. The connection retries
// forever; disconnects are logged and the worker keeps serving its own
// connections in the meantime.
type NATSFabric struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	subject   string
	logger    *zap.Logger
	out       chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// DialNATS connects to url and subscribes to subject. A server that is down
// at startup is not an error: the connection keeps retrying in the background
// and the subscription takes effect once it connects.
func DialNATS(url, subject string, logger *zap.Logger) (*NATSFabric, error) {
	log := logger.With(zap.String("fabric", "nats"), zap.String("subject", subject))

	nc, err := nats.Connect(url,
		nats.Name("helpdesk-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info("nats connected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected; running isolated", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	if !nc.IsConnected() {
		log.Warn("nats unreachable; running isolated until it returns", zap.String("url", url))
	}

	f := &NATSFabric{
		conn:    nc,
		subject: subject,
		logger:  log,
		out:     make(chan Envelope, 256),
		done:    make(chan struct{}),
	}

	sub, err := nc.Subscribe(subject, f.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	f.sub = sub
	return f, nil
}

func (f *NATSFabric) receive(msg *nats.Msg) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		f.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	select {
	case f.out <- env:
	case <-f.done:
	}
}

// Publish sends env on the subject. While the connection is down it returns
// ErrFabricUnavailable instead of queueing into the reconnect buffer.
func (f *NATSFabric) Publish(_ context.Context, env Envelope) error {
	if !f.conn.IsConnected() {
		return ErrFabricUnavailable
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := f.conn.Publish(f.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Messages returns the inbound envelope stream. It is never closed.
func (f *NATSFabric) Messages() <-chan Envelope {
	return f.out
}

// Close unsubscribes and closes the connection.
func (f *NATSFabric) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.sub.Unsubscribe()
		f.conn.Close()
	})
	return err
}
