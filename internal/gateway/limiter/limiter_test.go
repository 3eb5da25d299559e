package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := New(3)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	stats := l.Stats()
	assert.Equal(t, int64(12), stats.Admitted)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, int64(0), stats.Queued)
}

func TestLimiter_FIFOOrder(t *testing.T) {
	l := New(1)

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// wait until this caller is queued before starting the next
		require.Eventually(t, func() bool { return l.Stats().Queued == int64(i+1) }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLimiter_ReturnsFnError(t *testing.T) {
	l := New(1)
	err := l.Do(context.Background(), func(context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLimiter_QueuedContextCancelled(t *testing.T) {
	l := New(1)

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	assert.Equal(t, int64(1), l.Stats().Rejected)
}

func TestLimiter_CloseFailsQueuedWork(t *testing.T) {
	l := New(1)

	release := make(chan struct{})
	holding := make(chan struct{})
	inFlightDone := make(chan error, 1)
	go func() {
		inFlightDone <- l.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	queuedErrs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			queuedErrs <- l.Do(context.Background(), func(context.Context) error { return nil })
		}()
	}
	require.Eventually(t, func() bool { return l.Stats().Queued == 3 }, time.Second, time.Millisecond)

	l.Close()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-queuedErrs, ErrClosed)
	}

	// in-flight work drains normally
	close(release)
	assert.NoError(t, <-inFlightDone)

	assert.ErrorIs(t, l.Do(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}

func TestNew_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, New(0).Stats().Capacity)
	assert.Equal(t, 5, New(5).Stats().Capacity)
}
