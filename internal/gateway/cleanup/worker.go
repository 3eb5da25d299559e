package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/gateway/cache"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
)

const (
	runTimeout   = 60 * time.Second
	resetTimeout = 2 * time.Minute
)

// Run kinds
const (
	KindPeriodic = "periodic"
	KindManual   = "manual"
	KindReset    = "reset"
)

// Restarter restarts the backend process during a full reset
type Restarter interface {
	Restart(ctx context.Context) error
}

// Recorder receives cleanup metrics
type Recorder interface {
	RecordCleanup(kind string, sessions, cacheEntries int)
	UpdateCacheEntries(n int)
}

// Report summarizes one cleanup or reset
type Report struct {
	SessionsDestroyed int  `json:"sessionsDestroyed"`
	CacheEvicted      int  `json:"cacheEvicted"`
	Reset             bool `json:"reset,omitempty"`
}

// Config holds the cleanup policy
type Config struct {
	Interval time.Duration
	IdleTTL  time.Duration
}

// Deps are the structures a Worker reclaims from
type Deps struct {
	Registry  *session.Registry
	Store     cache.Store
	Clock     clock.Clock
	Scheduler Scheduler
	Memory    *MemoryMonitor // nil disables the memory check
	Restarter Restarter      // nil when there is no local backend to restart
	Metrics   Recorder
}

// Worker expires idle sessions and stale cache entries on a schedule and
// performs a full reset under memory pressure. Runs never overlap.
type Worker struct {
	cfg       Config
	registry  *session.Registry
	store     cache.Store
	clock     clock.Clock
	scheduler Scheduler
	memory    *MemoryMonitor
	restarter Restarter
	metrics   Recorder
	logger    *zap.Logger

	runMu  sync.Mutex
	stopMu sync.Mutex
	stop   func()
}

func NewWorker(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = TickerScheduler{}
	}
	return &Worker{
		cfg:       cfg,
		registry:  deps.Registry,
		store:     deps.Store,
		clock:     deps.Clock,
		scheduler: scheduler,
		memory:    deps.Memory,
		restarter: deps.Restarter,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

func (w *Worker) Start() {
	w.logger.Info("Cleanup worker starting",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("idle_ttl", w.cfg.IdleTTL),
		zap.Bool("memory_monitor", w.memory != nil))

	stop := w.scheduler.Every(w.cfg.Interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		w.run(ctx, KindPeriodic)
	})

	w.stopMu.Lock()
	w.stop = stop
	w.stopMu.Unlock()
}

func (w *Worker) Shutdown() {
	w.logger.Info("Stopping cleanup worker")

	w.stopMu.Lock()
	stop := w.stop
	w.stop = nil
	w.stopMu.Unlock()

	if stop != nil {
		stop()
	}
	w.logger.Info("Cleanup worker stopped")
}

// RunOnce performs one cleanup pass immediately
func (w *Worker) RunOnce(ctx context.Context) Report {
	return w.run(ctx, KindManual)
}

func (w *Worker) run(ctx context.Context, kind string) Report {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := time.Now()
	now := w.clock.Now()

	var report Report
	expired := w.registry.Expire(ctx, now, w.cfg.IdleTTL)
	report.SessionsDestroyed = len(expired)

	evicted, err := w.store.EvictExpired(ctx, now)
	if err != nil {
		w.logger.Error("Cache eviction failed", zap.Error(err))
	}
	report.CacheEvicted = evicted

	if w.overMemoryThreshold() {
		resetReport, err := w.reset(ctx)
		if err != nil {
			w.logger.Error("Reset under memory pressure failed", zap.Error(err))
		}
		report.SessionsDestroyed += resetReport.SessionsDestroyed
		report.CacheEvicted += resetReport.CacheEvicted
		report.Reset = true
	}

	w.record(ctx, kind, report)

	if report.SessionsDestroyed > 0 || report.CacheEvicted > 0 || kind != KindPeriodic {
		w.logger.Info("Cleanup completed",
			zap.String("kind", kind),
			zap.Int("sessions_destroyed", report.SessionsDestroyed),
			zap.Int("cache_evicted", report.CacheEvicted),
			zap.Bool("reset", report.Reset),
			zap.Duration("elapsed", time.Since(start)))
	}

	return report
}

// Reset destroys every session, flushes the cache and restarts the backend
func (w *Worker) Reset(ctx context.Context) (Report, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	report, err := w.reset(ctx)
	w.record(ctx, KindReset, report)
	return report, err
}

func (w *Worker) reset(ctx context.Context) (Report, error) {
	w.logger.Warn("Full reset started")

	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	report := Report{Reset: true}
	report.SessionsDestroyed = len(w.registry.DestroyAll(ctx, session.ReasonReset))

	var errs []error
	flushed, err := w.store.FlushAll(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("flush cache: %w", err))
	}
	report.CacheEvicted = flushed

	if w.restarter != nil {
		if err := w.restarter.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart backend: %w", err))
		}
	}

	w.logger.Warn("Full reset completed",
		zap.Int("sessions_destroyed", report.SessionsDestroyed),
		zap.Int("cache_flushed", report.CacheEvicted),
		zap.Bool("backend_restarted", w.restarter != nil))

	return report, errors.Join(errs...)
}

func (w *Worker) overMemoryThreshold() bool {
	if w.memory == nil {
		return false
	}

	exceeded, usedMB, err := w.memory.Exceeded()
	if err != nil {
		w.logger.Warn("Memory check failed", zap.Error(err))
		return false
	}
	if exceeded {
		w.logger.Warn("Memory threshold exceeded",
			zap.Uint64("used_mb", usedMB),
			zap.Uint64("threshold_mb", w.memory.ThresholdMB()))
	}
	return exceeded
}

func (w *Worker) record(ctx context.Context, kind string, report Report) {
	if w.metrics == nil {
		return
	}
	w.metrics.RecordCleanup(kind, report.SessionsDestroyed, report.CacheEvicted)

	if snap, err := w.store.Snapshot(ctx, 0); err == nil {
		w.metrics.UpdateCacheEntries(snap.Size)
	}
}
