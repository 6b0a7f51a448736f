package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingQueueEnqueueDequeueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	assert.True(t, rq.IsEmpty())

	require := assert.New(t)
	require.NoError(rq.Enqueue(1))
	require.NoError(rq.Enqueue(2))
	require.NoError(rq.Enqueue(3))
	assert.True(t, rq.IsFull())
	assert.Equal(t, 3, rq.Len())

	v, err := rq.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, rq.Len())
}

func TestRingQueueEnqueueFullReturnsError(t *testing.T) {
	rq := NewRingQueue[int](2)
	assert.NoError(t, rq.Enqueue(1))
	assert.NoError(t, rq.Enqueue(2))
	assert.ErrorIs(t, rq.Enqueue(3), ErrQueueFull)
}

func TestRingQueueDequeueEmptyReturnsError(t *testing.T) {
	rq := NewRingQueue[int](2)
	_, err := rq.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRingQueuePeekDoesNotRemove(t *testing.T) {
	rq := NewRingQueue[string](2)
	assert.NoError(t, rq.Enqueue("a"))
	v, err := rq.Peek()
	assert.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, rq.Len(), "Peek must not consume the front element")
}

func TestRingQueueWrapsAroundBuffer(t *testing.T) {
	rq := NewRingQueue[int](2)
	assert.NoError(t, rq.Enqueue(1))
	assert.NoError(t, rq.Enqueue(2))
	v, _ := rq.Dequeue()
	assert.Equal(t, 1, v)
	assert.NoError(t, rq.Enqueue(3))
	v, _ = rq.Dequeue()
	assert.Equal(t, 2, v)
	v, _ = rq.Dequeue()
	assert.Equal(t, 3, v)
	assert.True(t, rq.IsEmpty())
}
