package batching

import (
	"errors"
	"testing"

	"fleet-realtime/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stamps(items []models.LocationUpdate) []int64 {
	out := make([]int64, len(items))
	for i, u := range items {
		out[i] = u.Timestamp
	}
	return out
}

func TestOfflineQueueEvictsOldest(t *testing.T) {
	q := NewOfflineQueue(3)
	for i := int64(1); i <= 5; i++ {
		evicted := q.Push(models.LocationUpdate{Timestamp: i})
		assert.Equal(t, i > 3, evicted)
		assert.LessOrEqual(t, q.Len(), q.Cap())
	}
	assert.Equal(t, []int64{3, 4, 5}, stamps(q.Items()))
	assert.Equal(t, 2, q.Evicted())
}

func TestOfflineQueueDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxOfflineUpdates, NewOfflineQueue(0).Cap())
}

func TestOfflineQueueDrain(t *testing.T) {
	q := NewOfflineQueue(10)
	calls := 0
	n, err := q.Drain(func([]models.LocationUpdate) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls, "an empty queue sends nothing")

	for i := int64(1); i <= 4; i++ {
		q.Push(models.LocationUpdate{Timestamp: i})
	}
	var got []int64
	n, err = q.Drain(func(batch []models.LocationUpdate) error {
		got = stamps(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
	assert.Zero(t, q.Len())
}

func TestOfflineQueueFailedDrainRequeuesAtFront(t *testing.T) {
	q := NewOfflineQueue(5)
	for i := int64(1); i <= 3; i++ {
		q.Push(models.LocationUpdate{Timestamp: i})
	}

	n, err := q.Drain(func(batch []models.LocationUpdate) error {
		// Updates captured while the drain is in flight land behind the failed batch.
		q.Push(models.LocationUpdate{Timestamp: 10})
		return errors.New("write: broken pipe")
	})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int64{1, 2, 3, 10}, stamps(q.Items()))
	assert.Zero(t, q.Evicted())
}

func TestOfflineQueueFailedDrainRespectsCapacity(t *testing.T) {
	q := NewOfflineQueue(4)
	for i := int64(1); i <= 4; i++ {
		q.Push(models.LocationUpdate{Timestamp: i})
	}

	_, err := q.Drain(func([]models.LocationUpdate) error {
		q.Push(models.LocationUpdate{Timestamp: 20})
		q.Push(models.LocationUpdate{Timestamp: 21})
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, []int64{3, 4, 20, 21}, stamps(q.Items()))
	assert.Equal(t, 2, q.Evicted())
}
