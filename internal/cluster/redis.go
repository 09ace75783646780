package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFabric relays envelopes over a Redis PUBLISH/SUBSCRIBE channel.
// The go-redis PubSub reconnects on its own after a broken connection; while
// it is down Publish returns the client's error and the worker runs isolated.
type RedisFabric struct {
	client     *redis.Client
	pubsub     *redis.PubSub
	channel    string
	logger     *zap.Logger
	out        chan Envelope
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	ownsClient bool
}

// NewRedisFabric subscribes to channel. An unreachable server is logged, not
// returned: the subscription is retried in the background and the worker runs
// isolated until it succeeds.
func NewRedisFabric(ctx context.Context, client *redis.Client, channel string, logger *zap.Logger) *RedisFabric {
	log := logger.With(zap.String("fabric", "redis"), zap.String("channel", channel))

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Warn("redis unreachable; running isolated until it returns", zap.Error(err))
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &RedisFabric{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		logger:  log,
		out:     make(chan Envelope, 256),
		ctx:     fctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *RedisFabric) pump() {
	defer close(f.done)
	defer close(f.out)

	for msg := range f.pubsub.Channel() {
		env, err := DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			f.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		select {
		case f.out <- env:
		case <-f.ctx.Done():
			return
		}
	}
}

// Publish sends env on the channel.
func (f *RedisFabric) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Messages returns the inbound envelope stream.
func (f *RedisFabric) Messages() <-chan Envelope {
	return f.out
}

// Close unsubscribes and, when the fabric created the client, closes it.
func (f *RedisFabric) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.pubsub.Close()
		<-f.done
		if f.ownsClient {
			if cerr := f.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
