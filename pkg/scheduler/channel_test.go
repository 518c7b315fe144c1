package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelQueueFIFO(t *testing.T) {
	q := newChannelQueue()
	assert.Equal(t, 0, q.len())

	q.push("a")
	q.push("b")
	q.push("c")
	assert.Equal(t, 3, q.len())

	head, ok := q.peek()
	require := assert.New(t)
	require.True(ok)
	require.Equal("a", head)
	require.Equal(3, q.len(), "peek must not remove")

	popped, ok := q.pop()
	require.True(ok)
	require.Equal("a", popped)
	require.Equal(2, q.len())

	q.pop()
	q.pop()
	_, ok = q.pop()
	assert.False(t, ok)
}
