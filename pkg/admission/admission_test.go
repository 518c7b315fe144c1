package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireWithinCapacityIsImmediate(t *testing.T) {
	c := New(2)
	assert.Equal(t, Immediate, c.Acquire("t1"))
	assert.Equal(t, Immediate, c.Acquire("t2"))
	assert.Equal(t, 2, c.ActiveCount())
}

func TestAcquireOverCapacityQueues(t *testing.T) {
	c := New(1)
	assert.Equal(t, Immediate, c.Acquire("t1"))
	assert.Equal(t, Queued, c.Acquire("t2"))

	pos, waiting := c.QueuePosition("t2")
	assert.True(t, waiting)
	assert.Equal(t, 0, pos)
}

func TestReacquireAlreadyActiveIsIdempotent(t *testing.T) {
	c := New(1)
	assert.Equal(t, Immediate, c.Acquire("t1"))
	assert.Equal(t, Immediate, c.Acquire("t1"))
	assert.Equal(t, 1, c.ActiveCount())
}

func TestReacquireAlreadyWaitingDoesNotDuplicate(t *testing.T) {
	c := New(1)
	c.Acquire("t1")
	c.Acquire("t2")
	c.Acquire("t2")

	pos, waiting := c.QueuePosition("t2")
	assert.True(t, waiting)
	assert.Equal(t, 0, pos)
}

func TestReleasePromotesNextWaiter(t *testing.T) {
	c := New(1)
	c.Acquire("t1")
	c.Acquire("t2")
	c.Acquire("t3")

	next, ok := c.Release("t1")
	assert.True(t, ok)
	assert.Equal(t, "t2", next)
	assert.True(t, c.IsActive("t2"))
	assert.False(t, c.IsActive("t1"))

	pos, waiting := c.QueuePosition("t3")
	assert.True(t, waiting)
	assert.Equal(t, 0, pos)
}

func TestReleaseWithNoWaitersReturnsFalse(t *testing.T) {
	c := New(2)
	c.Acquire("t1")
	next, ok := c.Release("t1")
	assert.False(t, ok)
	assert.Empty(t, next)
}

func TestReleaseInactiveTenantIsNoop(t *testing.T) {
	c := New(2)
	next, ok := c.Release("ghost")
	assert.False(t, ok)
	assert.Empty(t, next)
}

func TestSetMaxActiveDoesNotEvictActiveTenants(t *testing.T) {
	c := New(3)
	c.Acquire("t1")
	c.Acquire("t2")
	c.Acquire("t3")

	c.SetMaxActive(1)
	assert.Equal(t, 3, c.ActiveCount())
	assert.True(t, c.IsActive("t1"))
	assert.True(t, c.IsActive("t2"))
	assert.True(t, c.IsActive("t3"))

	// A fourth tenant now waits under the new, lower cap.
	assert.Equal(t, Queued, c.Acquire("t4"))
}

func TestSetMaxActiveNonPositiveFloorsAtOne(t *testing.T) {
	c := New(2)
	c.SetMaxActive(0)
	assert.Equal(t, Immediate, c.Acquire("t1"))
	assert.Equal(t, Queued, c.Acquire("t2"))
}
