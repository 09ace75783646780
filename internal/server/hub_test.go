package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/helpdesk-relay/internal/cluster"
	"github.com/Tyrowin/helpdesk-relay/internal/config"
	"github.com/Tyrowin/helpdesk-relay/internal/protocol"
)

type receivedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	h := NewHub(opts)
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

// settle waits until the hub has processed everything submitted before it.
func settle(h *Hub) {
	h.query(func() {})
}

func connect(t *testing.T, h *Hub, username string, role protocol.Role) *Client {
	t.Helper()
	c := NewClient(nil, h, "test", protocol.Identity{Username: username, Role: role, Nickname: username})
	h.Register(c)
	settle(h)
	return c
}

// drain returns every event queued for c without blocking.
func drain(t *testing.T, c *Client) []receivedEvent {
	t.Helper()
	var out []receivedEvent
	for {
		select {
		case frame, ok := <-c.GetSendChan():
			if !ok {
				return out
			}
			var ev receivedEvent
			require.NoError(t, json.Unmarshal(frame, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

// awaitEvent reads events for c until name arrives or timeout elapses.
func awaitEvent(t *testing.T, c *Client, name string, timeout time.Duration) receivedEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-c.GetSendChan():
			require.True(t, ok, "send channel closed while waiting for %s", name)
			var ev receivedEvent
			require.NoError(t, json.Unmarshal(frame, &ev))
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", name)
		}
	}
}

func named(events []receivedEvent, name string) []receivedEvent {
	var out []receivedEvent
	for _, ev := range events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func presenceOf(t *testing.T, ev receivedEvent) []protocol.PresenceEntry {
	t.Helper()
	var list []protocol.PresenceEntry
	require.NoError(t, json.Unmarshal(ev.Data, &list))
	return list
}

func joinRoom(h *Hub, c *Client, recipient string, role protocol.Role, loggedIn string) {
	raw, _ := json.Marshal(map[string]string{"recipient": recipient, "role": string(role), "loggedInUserId": loggedIn})
	h.Join(c, protocol.JoinRequest{Recipient: recipient, Role: role, LoggedInUserID: loggedIn, Raw: raw})
	settle(h)
}

func sendTo(h *Hub, c *Client, room, message string) {
	raw, _ := json.Marshal(message)
	h.Send(c, protocol.SendRequest{Room: room, Message: raw})
	settle(h)
}

// TestPresenceAfterHelperConnects checks the presence list and helper-online
// event that follow a user and a helper connecting in order.
func TestPresenceAfterHelperConnects(t *testing.T) {
	h := startHub(t, HubOptions{})

	alice := connect(t, h, "alice", protocol.RoleUnset)
	drain(t, alice)
	connect(t, h, "bob", protocol.RoleHelper)

	events := drain(t, alice)
	updates := named(events, protocol.EventPresenceUpdated)
	require.Len(t, updates, 1)

	list := presenceOf(t, updates[0])
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, "bob", list[1].UserID)
	assert.Equal(t, protocol.RoleHelper, list[1].Role)
	assert.Len(t, named(events, protocol.EventHelperOnline), 1)
}

// TestPresenceIncludesEveryConnection checks every registered identity is in
// the presence list the hub reports.
func TestPresenceIncludesEveryConnection(t *testing.T) {
	h := startHub(t, HubOptions{})

	c1 := connect(t, h, "alice", protocol.RoleUser)
	connect(t, h, "alice", protocol.RoleUser)
	connect(t, h, "carol", protocol.RoleUnset)

	list := h.Presence()
	require.Len(t, list, 3)
	assert.Equal(t, c1.ID(), list[0].ConnectionID)
	assert.Equal(t, 3, h.ClientCount())

	// no helper: no helper-online
	assert.Empty(t, named(drain(t, c1), protocol.EventHelperOnline))
}

// TestHelperJoiningUserRoomNotifiesUser checks the joining helper is excluded
// from its own helper-joined-room event.
func TestHelperJoiningUserRoomNotifiesUser(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "R", protocol.RoleUser)
	b := connect(t, h, "X", protocol.RoleHelper)
	joinRoom(h, a, "R", protocol.RoleUser, "R")
	drain(t, a)
	drain(t, b)

	joinRoom(h, b, "R", protocol.RoleHelper, "X")

	got := named(drain(t, a), protocol.EventHelperJoinedRoom)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"recipient":"R","role":"helper","loggedInUserId":"X"}`, string(got[0].Data))
	assert.Empty(t, named(drain(t, b), protocol.EventHelperJoinedRoom))
}

// TestHelperJoiningOwnRoomIsSilent checks no helper-joined-room event is
// emitted when a helper joins the room named after itself.
func TestHelperJoiningOwnRoomIsSilent(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "someone", protocol.RoleUser)
	b := connect(t, h, "R", protocol.RoleHelper)
	joinRoom(h, a, "R", protocol.RoleUser, "someone")
	drain(t, a)

	joinRoom(h, b, "R", protocol.RoleHelper, "R")

	assert.Empty(t, named(drain(t, a), protocol.EventHelperJoinedRoom))
	assert.Empty(t, named(drain(t, b), protocol.EventHelperJoinedRoom))
	assert.Equal(t, []string{"R"}, h.RoomsOf(b))
}

// TestSendReachesRoomMembersOnly checks a message reaches every other member
// and never the sender.
func TestSendReachesRoomMembersOnly(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "a", protocol.RoleUser)
	b := connect(t, h, "b", protocol.RoleUser)
	c := connect(t, h, "c", protocol.RoleHelper)
	d := connect(t, h, "d", protocol.RoleUser)
	joinRoom(h, b, "R", protocol.RoleUser, "b")
	joinRoom(h, c, "R", protocol.RoleUser, "c")
	for _, cl := range []*Client{a, b, c, d} {
		drain(t, cl)
	}

	sendTo(h, a, "R", "hello")

	for _, member := range []*Client{b, c} {
		got := named(drain(t, member), protocol.EventMessageReceived)
		require.Len(t, got, 1)
		assert.JSONEq(t, `"hello"`, string(got[0].Data))
	}
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, d))
}

// TestSendToEmptyRoomEmitsNothing checks a message with no other recipients
// is dropped silently.
func TestSendToEmptyRoomEmitsNothing(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "a", protocol.RoleUser)
	joinRoom(h, a, "R", protocol.RoleUser, "a")
	drain(t, a)

	sendTo(h, a, "R", "anyone?")
	sendTo(h, a, "nobody-here", "anyone?")
	sendTo(h, a, "", "no room")

	assert.Empty(t, drain(t, a))
	assert.Equal(t, 1, h.ClientCount())
}

// TestDisconnectLeavesEveryRoom checks a departed connection is never
// targeted again and that peers hear about it.
func TestDisconnectLeavesEveryRoom(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "a", protocol.RoleUser)
	b := connect(t, h, "b", protocol.RoleUser)
	joinRoom(h, a, "R1", protocol.RoleUser, "a")
	joinRoom(h, a, "R2", protocol.RoleUser, "a")
	joinRoom(h, b, "R1", protocol.RoleUser, "b")
	drain(t, b)

	h.Unregister(a)
	settle(h)

	events := drain(t, b)
	left := named(events, protocol.EventPeerLeft)
	require.Len(t, left, 1)
	assert.JSONEq(t, `"`+a.ID()+`"`, string(left[0].Data))

	updates := named(events, protocol.EventPresenceUpdated)
	require.Len(t, updates, 1)
	assert.Len(t, presenceOf(t, updates[0]), 1)

	assert.Empty(t, h.RoomsOf(a))
	h.query(func() {
		assert.False(t, h.rooms.isMember("R1", a.ID()))
		assert.Equal(t, 1, h.rooms.count())
	})

	// the send channel was closed on removal
	drain(t, a)
	_, ok := <-a.GetSendChan()
	assert.False(t, ok)

	sendTo(h, b, "R2", "gone")
	assert.Empty(t, drain(t, b))
}

// TestOperationsFromDepartedClientAreIgnored checks late operations from a
// removed connection change nothing.
func TestOperationsFromDepartedClientAreIgnored(t *testing.T) {
	h := startHub(t, HubOptions{})

	a := connect(t, h, "a", protocol.RoleUser)
	b := connect(t, h, "b", protocol.RoleUser)
	joinRoom(h, b, "R", protocol.RoleUser, "b")
	h.Unregister(a)
	settle(h)
	drain(t, b)

	joinRoom(h, a, "R", protocol.RoleHelper, "a")
	sendTo(h, a, "R", "late")

	assert.Empty(t, drain(t, b))
	h.Unregister(a)
	settle(h)
	assert.Equal(t, 1, h.ClientCount())
}

// TestShardScopeBroadcastsLocalList checks shard scope relays the local list
// as-is to other workers.
func TestShardScopeBroadcastsLocalList(t *testing.T) {
	bus := cluster.NewMemoryBus()
	h1 := startHub(t, HubOptions{NodeID: "n1", Fabric: bus.Join(), PresenceScope: config.PresenceShard})
	h2 := startHub(t, HubOptions{NodeID: "n2", Fabric: bus.Join(), PresenceScope: config.PresenceShard})

	watcher := connect(t, h2, "watcher", protocol.RoleUser)
	drain(t, watcher)

	connect(t, h1, "helper", protocol.RoleHelper)

	ev := awaitEvent(t, watcher, protocol.EventPresenceUpdated, 2*time.Second)
	list := presenceOf(t, ev)
	require.Len(t, list, 1)
	assert.Equal(t, "helper", list[0].UserID)
	awaitEvent(t, watcher, protocol.EventHelperOnline, 2*time.Second)

	// each worker still reports only its own connections
	local := h2.Presence()
	require.Len(t, local, 1)
	assert.Equal(t, "watcher", local[0].UserID)
}

// TestHubShutdownClosesClients checks shutdown closes every send channel.
func TestHubShutdownClosesClients(t *testing.T) {
	h := NewHub(HubOptions{})
	go h.Run()

	a := connect(t, h, "a", protocol.RoleUser)
	drain(t, a)

	require.NoError(t, h.Shutdown(time.Second))
	_, ok := <-a.GetSendChan()
	assert.False(t, ok)
	assert.Equal(t, 0, h.ClientCount())

	// calls after shutdown return instead of blocking
	h.Register(NewClient(nil, h, "late", protocol.Identity{Username: "late"}))
	assert.Nil(t, h.Presence())
}
