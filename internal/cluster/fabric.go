package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

// Kind tells a receiving worker how to apply an envelope.
type Kind string

// Envelope kinds.
const (
	// KindBroadcast delivers Event to every local connection.
	KindBroadcast Kind = "broadcast"
	// KindRoom delivers Event to the local members of Room.
	KindRoom Kind = "room"
	// KindPresenceShard carries the origin worker's local presence list.
	KindPresenceShard Kind = "presence-shard"
	// KindPresenceSync asks every worker to re-publish its shard.
	KindPresenceSync Kind = "presence-sync"
	// KindNodeDown announces that the origin worker is shutting down.
	KindNodeDown Kind = "node-down"
)

// ErrFabricUnavailable is returned by Publish while the fabric has no link.
var ErrFabricUnavailable = errors.New("relay fabric unavailable")

// Envelope is the unit exchanged between workers.
type Envelope struct {
	ID          string          `json:"id"`
	Origin      string          `json:"origin"`
	Kind        Kind            `json:"kind"`
	Room        string          `json:"room,omitempty"`
	Event       string          `json:"event,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
}

// NewEnvelope stamps a fresh envelope from origin.
func NewEnvelope(origin string, kind Kind) Envelope {
	return Envelope{
		ID:     uuid.NewString(),
		Origin: origin,
		Kind:   kind,
		SentAt: time.Now().UTC(),
	}
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame. Frames without origin or kind are rejected.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == "" || env.Kind == "" {
		return env, errors.New("decode envelope: missing origin or kind")
	}
	return env, nil
}

// Fabric is the publish/subscribe link between workers. Publish never waits
// for subscribers. Messages yields every envelope published on the fabric,
// including the caller's own; the channel may be closed once the fabric is.
type Fabric interface {
	Publish(ctx context.Context, env Envelope) error
	Messages() <-chan Envelope
	Close() error
}

// Open builds the fabric selected by cfg.Fabric for one worker. A backend that
// is down does not fail Open; the fabric keeps retrying and Publish reports
// ErrFabricUnavailable or the client's error meanwhile. Only a bad
// configuration is an error.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Fabric, error) {
	switch cfg.Fabric {
	case config.FabricPrimary:
		return DialRelay(ctx, cfg.RelayAddr, logger), nil
	case config.FabricRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		fabric := NewRedisFabric(ctx, client, cfg.RedisChannel, logger)
		fabric.ownsClient = true
		return fabric, nil
	case config.FabricNATS:
		return DialNATS(cfg.NATSURL, cfg.NATSSubject, logger)
	case config.FabricMemory:
		return NewMemoryBus().Join(), nil
	default:
		return nil, fmt.Errorf("unknown fabric %q", cfg.Fabric)
	}
}
