package server

import "sort"

// roomTable is the worker-local room membership: room id to connection ids,
// with a reverse index so a departing connection leaves every room at once.
// It is owned by the hub loop and never locked.
type roomTable struct {
	members map[string]map[string]struct{}
	joined  map[string]map[string]struct{}
}

func newRoomTable() *roomTable {
	return &roomTable{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// join adds connID to room and reports whether it was not a member already.
func (t *roomTable) join(room, connID string) bool {
	set, ok := t.members[room]
	if !ok {
		set = make(map[string]struct{})
		t.members[room] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}

	rooms, ok := t.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		t.joined[connID] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// leaveAll removes connID from every room it joined, dropping rooms that
// become empty, and returns the rooms it left.
func (t *roomTable) leaveAll(connID string) []string {
	rooms := t.joined[connID]
	delete(t.joined, connID)

	left := make([]string, 0, len(rooms))
	for room := range rooms {
		left = append(left, room)
		set := t.members[room]
		delete(set, connID)
		if len(set) == 0 {
			delete(t.members, room)
		}
	}
	sort.Strings(left)
	return left
}

// recipients lists the members of room other than exclude, sorted.
func (t *roomTable) recipients(room, exclude string) []string {
	set := t.members[room]
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *roomTable) isMember(room, connID string) bool {
	_, ok := t.members[room][connID]
	return ok
}

func (t *roomTable) roomsOf(connID string) []string {
	rooms := make([]string, 0, len(t.joined[connID]))
	for room := range t.joined[connID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (t *roomTable) count() int {
	return len(t.members)
}
