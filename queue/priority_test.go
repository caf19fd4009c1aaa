package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-parse/types"
)

func TestPriorityOrdering(t *testing.T) {
	q := NewPriority[string]()
	now := time.Now()

	q.Push("low", types.PriorityLow, now)
	q.Push("critical", types.PriorityCritical, now.Add(time.Millisecond))
	q.Push("normal", types.PriorityNormal, now.Add(2*time.Millisecond))
	q.Push("high", types.PriorityHigh, now.Add(3*time.Millisecond))

	var order []string
	for {
		value, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, value)
	}

	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestPriorityFIFOWithinBand(t *testing.T) {
	q := NewPriority[int]()
	now := time.Now()

	for i := 0; i < 5; i++ {
		q.Push(i, types.PriorityNormal, now.Add(time.Duration(i)*time.Millisecond))
	}

	for i := 0; i < 5; i++ {
		value, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, value)
	}
}

func TestPriorityRetryReentersBandBack(t *testing.T) {
	q := NewPriority[string]()
	now := time.Now()

	q.Push("first", types.PriorityNormal, now)
	q.Push("second", types.PriorityNormal, now.Add(time.Millisecond))

	retried, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", retried)

	// Re-queued with a fresh timestamp, so it lands behind its band.
	q.Push(retried, types.PriorityNormal, time.Now())

	value, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "second", value)

	value, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", value)
}

func TestPriorityPopEmpty(t *testing.T) {
	q := NewPriority[int]()

	value, ok := q.Pop()
	assert.False(t, ok)
	assert.Zero(t, value)
	assert.Equal(t, 0, q.Len())
}

func TestPriorityPopN(t *testing.T) {
	q := NewPriority[int]()
	now := time.Now()

	q.Push(1, types.PriorityLow, now)
	q.Push(2, types.PriorityHigh, now)
	q.Push(3, types.PriorityNormal, now)

	batch := q.PopN(2)
	assert.Equal(t, []int{2, 3}, batch)
	assert.Equal(t, 1, q.Len())

	batch = q.PopN(10)
	assert.Equal(t, []int{1}, batch)
	assert.Equal(t, 0, q.Len())

	assert.Nil(t, q.PopN(3))
	assert.Nil(t, q.PopN(0))
}

func TestPriorityDrain(t *testing.T) {
	q := NewPriority[string]()
	now := time.Now()

	q.Push("b", types.PriorityNormal, now.Add(time.Millisecond))
	q.Push("a", types.PriorityHigh, now)

	drained := q.Drain()
	assert.Equal(t, []string{"a", "b"}, drained)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}
