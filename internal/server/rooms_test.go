package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomTableJoinIsIdempotent(t *testing.T) {
	rt := newRoomTable()

	assert.True(t, rt.join("R", "c1"))
	assert.False(t, rt.join("R", "c1"))
	assert.True(t, rt.join("R", "c2"))

	assert.Equal(t, []string{"c1", "c2"}, rt.recipients("R", ""))
	assert.Equal(t, []string{"c2"}, rt.recipients("R", "c1"))
	assert.Empty(t, rt.recipients("missing", ""))
}

func TestRoomTableLeaveAll(t *testing.T) {
	rt := newRoomTable()
	rt.join("R2", "c1")
	rt.join("R1", "c1")
	rt.join("R1", "c2")

	assert.Equal(t, []string{"R1", "R2"}, rt.roomsOf("c1"))
	assert.Equal(t, []string{"R1", "R2"}, rt.leaveAll("c1"))

	assert.False(t, rt.isMember("R1", "c1"))
	assert.True(t, rt.isMember("R1", "c2"))
	assert.Empty(t, rt.roomsOf("c1"))
	// R2 became empty and was dropped
	assert.Equal(t, 1, rt.count())

	assert.Empty(t, rt.leaveAll("c1"))
}
