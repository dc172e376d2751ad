package pagination

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlightGroupSharesResult(t *testing.T) {
	g := newFlightGroup[int]()
	proceed := make(chan struct{})
	running := make(chan struct{})
	var calls, shared atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		val, _, err := g.Do(context.Background(), "key", func() (int, error) {
			calls.Add(1)
			close(running)
			<-proceed
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, val)
	}()
	<-running

	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, wasShared, err := g.Do(context.Background(), "key", func() (int, error) {
				calls.Add(1)
				return -1, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, val)
			if wasShared {
				shared.Add(1)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(proceed)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(7), shared.Load())
}

func TestFlightGroupFollowerHonorsContext(t *testing.T) {
	g := newFlightGroup[int]()
	proceed := make(chan struct{})
	running := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = g.Do(context.Background(), "key", func() (int, error) {
			close(running)
			<-proceed
			return 1, nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, wasShared, err := g.Do(ctx, "key", func() (int, error) { return 2, nil })
	assert.True(t, wasShared)
	assert.ErrorIs(t, err, context.Canceled)

	close(proceed)
	<-done
}

func TestFlightGroupDistinctKeys(t *testing.T) {
	g := newFlightGroup[string]()

	a, sharedA, err := g.Do(context.Background(), "a", func() (string, error) { return "A", nil })
	require.NoError(t, err)
	b, sharedB, err := g.Do(context.Background(), "b", func() (string, error) { return "B", nil })
	require.NoError(t, err)

	assert.Equal(t, "A", a)
	assert.Equal(t, "B", b)
	assert.False(t, sharedA)
	assert.False(t, sharedB)
}

func TestFlightGroupRunsAgainAfterCompletion(t *testing.T) {
	g := newFlightGroup[int]()
	var calls atomic.Int32
	fn := func() (int, error) {
		return int(calls.Add(1)), nil
	}

	first, _, err := g.Do(context.Background(), "key", fn)
	require.NoError(t, err)
	second, _, err := g.Do(context.Background(), "key", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
