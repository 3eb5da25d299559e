package cleanup

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs task every interval until the returned stop is called.
// stop blocks until a running task returns.
type Scheduler interface {
	Every(interval time.Duration, task func()) (stop func())
}

// TickerScheduler runs tasks on a time.Ticker
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, task func()) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				task()
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
