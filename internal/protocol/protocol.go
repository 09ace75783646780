// Package protocol defines the payloads exchanged between clients and workers:
// handshake identity, client operations, server events and presence entries.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Role classifies a connected identity.
type Role string

// Known roles. Any other value sent by a client is carried through verbatim.
const (
	RoleUnset  Role = ""
	RoleUser   Role = "user"
	RoleHelper Role = "helper"
)

// Server event names.
const (
	EventPresenceUpdated  = "presence-updated"
	EventHelperOnline     = "helper-online"
	EventHelperJoinedRoom = "helper-joined-room"
	EventMessageReceived  = "message-received"
	EventPeerLeft         = "peer-left"
)

// Client operation names.
const (
	OpJoin = "join"
	OpSend = "send"
)

// ErrAuthentication is returned when a handshake carries no usable username.
var ErrAuthentication = errors.New("invalid username")

// Identity is bound to a connection at handshake time and never changes.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// ParseIdentity reads the handshake fields from the connection query string.
func ParseIdentity(values url.Values) (Identity, error) {
	username := strings.TrimSpace(values.Get("username"))
	if username == "" {
		return Identity{}, fmt.Errorf("handshake: %w", ErrAuthentication)
	}
	return Identity{
		Username: username,
		Role:     Role(strings.TrimSpace(values.Get("role"))),
		Nickname: values.Get("nickname"),
	}, nil
}

// PresenceEntry is the externally visible snapshot of one live connection.
type PresenceEntry struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Role         Role   `json:"role,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
}

// NewPresenceEntry projects an identity bound to connectionID.
func NewPresenceEntry(connectionID string, id Identity) PresenceEntry {
	return PresenceEntry{
		ConnectionID: connectionID,
		UserID:       id.Username,
		Role:         id.Role,
		Nickname:     id.Nickname,
	}
}

// HasHelper reports whether any entry carries the helper role.
func HasHelper(entries []PresenceEntry) bool {
	for _, e := range entries {
		if e.Role == RoleHelper {
			return true
		}
	}
	return false
}

// ClientFrame is one operation sent by a client.
type ClientFrame struct {
	Op   string          `json:"op"`
	Room Key             `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Key is a room or user id as a client sent it. Clients are free to use
// numbers, so any JSON scalar is accepted and kept as its literal text; null
// reads as empty. Objects and arrays are refused.
type Key string

// UnmarshalJSON implements json.Unmarshaler.
func (k *Key) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*k = Key(s)
		return nil
	}
	switch b[0] {
	case 'n':
		*k = ""
	case '{', '[':
		return fmt.Errorf("id must be a string or number, got %s", b)
	default:
		*k = Key(b)
	}
	return nil
}

// JoinRequest is the decoded form of a join operation. Raw keeps the payload
// exactly as the client sent it.
type JoinRequest struct {
	Recipient      string `json:"recipient"`
	Role           Role   `json:"role"`
	LoggedInUserID string `json:"loggedInUserId"`

	Raw json.RawMessage `json:"-"`
}

// HelperJoinsOther reports whether the join is a helper entering somebody
// else's conversation.
func (j JoinRequest) HelperJoinsOther() bool {
	return j.Role == RoleHelper && j.LoggedInUserID != j.Recipient
}

// DecodeJoin extracts a JoinRequest from a join frame. Numeric recipient and
// loggedInUserId values are read as their decimal text.
func DecodeJoin(frame ClientFrame) (JoinRequest, error) {
	var req JoinRequest
	if len(frame.Data) == 0 {
		return req, errors.New("join: missing data")
	}
	var wire struct {
		Recipient      Key  `json:"recipient"`
		Role           Role `json:"role"`
		LoggedInUserID Key  `json:"loggedInUserId"`
	}
	if err := json.Unmarshal(frame.Data, &wire); err != nil {
		return req, fmt.Errorf("join: %w", err)
	}
	req.Recipient = string(wire.Recipient)
	req.Role = wire.Role
	req.LoggedInUserID = string(wire.LoggedInUserID)
	req.Raw = append(json.RawMessage(nil), frame.Data...)
	return req, nil
}

// SendRequest is a message addressed to a room. Message is opaque.
type SendRequest struct {
	Room    string
	Message json.RawMessage
}

// DecodeSend extracts a SendRequest from a send frame. An absent payload is
// forwarded as JSON null.
func DecodeSend(frame ClientFrame) SendRequest {
	msg := frame.Data
	if len(msg) == 0 {
		msg = json.RawMessage("null")
	}
	return SendRequest{Room: string(frame.Room), Message: append(json.RawMessage(nil), msg...)}
}

// ServerEvent is what a client receives.
type ServerEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent renders an event frame. data may be nil, raw JSON or any
// json-marshalable value.
func EncodeEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(ServerEvent{Event: event, Data: raw})
}

// Negotiation is returned by the negotiate endpoint before the upgrade.
type Negotiation struct {
	Worker       string `json:"worker"`
	Affinity     string `json:"affinity,omitempty"`
	Path         string `json:"path"`
	PingInterval int    `json:"pingInterval"`
}
