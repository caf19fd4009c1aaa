package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredResolve(t *testing.T) {
	d := NewDeferred[int]()

	assert.False(t, d.Settled())
	assert.True(t, d.Resolve(42))
	assert.True(t, d.Settled())

	value, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestDeferredReject(t *testing.T) {
	d := NewDeferred[string]()

	wantErr := errors.New("parse failed")
	assert.True(t, d.Reject(wantErr))

	value, err := d.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, value)
}

func TestDeferredFirstCompletionWins(t *testing.T) {
	d := NewDeferred[int]()

	assert.True(t, d.Resolve(1))
	assert.False(t, d.Resolve(2))
	assert.False(t, d.Reject(errors.New("too late")))

	value, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestDeferredWaitCancellation(t *testing.T) {
	d := NewDeferred[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Completion after a cancelled wait still settles for other waiters.
	d.Resolve(7)
	value, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestDeferredConcurrentCompletion(t *testing.T) {
	d := NewDeferred[int]()

	var wg sync.WaitGroup
	var resolved int32

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if d.Resolve(n) {
				resolved = int32(n)
			}
		}(i)
	}
	wg.Wait()

	value, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(resolved), value)
}

func TestDeferredDoneChannel(t *testing.T) {
	d := NewDeferred[struct{}]()

	select {
	case <-d.Done():
		t.Fatal("done channel closed before completion")
	default:
	}

	d.Resolve(struct{}{})

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
}

func TestResolvedAndRejectedConstructors(t *testing.T) {
	value, err := Resolved("ready").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ready", value)

	wantErr := errors.New("immediate")
	_, err = Rejected[string](wantErr).Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}
