package limiter

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned to work that had not started when Close was called
var ErrClosed = errors.New("admission limiter closed")

// Stats is a point-in-time view of the limiter
type Stats struct {
	Capacity int   `json:"capacity"`
	InFlight int64 `json:"in_flight"`
	Queued   int64 `json:"queued"`
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
}

// Limiter admits at most n concurrent calls. Callers beyond the limit wait
// in arrival order; semaphore.Weighted serves waiters FIFO.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int

	closed context.Context
	close  context.CancelFunc

	inFlight atomic.Int64
	queued   atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	closed, closeFn := context.WithCancel(context.Background())
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: n,
		closed:   closed,
		close:    closeFn,
	}
}

// Do runs fn once a slot is free. Waiting ends early with ctx.Err() or
// ErrClosed; fn itself receives ctx unchanged so in-flight work can drain.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.closed.Err() != nil {
		l.rejected.Add(1)
		return ErrClosed
	}

	if err := l.acquire(ctx); err != nil {
		l.rejected.Add(1)
		return err
	}
	defer l.sem.Release(1)

	l.admitted.Add(1)
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)

	return fn(ctx)
}

func (l *Limiter) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.closed, cancel)
	defer stop()

	l.queued.Add(1)
	err := l.sem.Acquire(waitCtx, 1)
	l.queued.Add(-1)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}

	// Close may race with a successful acquire
	if l.closed.Err() != nil {
		l.sem.Release(1)
		return ErrClosed
	}
	return nil
}

// Close fails every queued and future call with ErrClosed
func (l *Limiter) Close() {
	l.close()
}

func (l *Limiter) Stats() Stats {
	return Stats{
		Capacity: l.capacity,
		InFlight: l.inFlight.Load(),
		Queued:   l.queued.Load(),
		Admitted: l.admitted.Load(),
		Rejected: l.rejected.Load(),
	}
}
