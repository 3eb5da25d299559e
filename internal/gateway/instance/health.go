package instance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// Prober checks whether a backend instance answers
type Prober interface {
	Health(ctx context.Context, inst Instance) error
}

// HealthObserver receives the outcome of each probe
type HealthObserver interface {
	InstanceHealth(instanceID string, healthy bool)
}

// HealthChecker probes every instance on an interval and feeds the selector.
// An instance is marked unhealthy after UnhealthyAfter consecutive failures
// and healthy again after one success.
type HealthChecker struct {
	selector       *Selector
	prober         Prober
	interval       time.Duration
	timeout        time.Duration
	unhealthyAfter int
	observer       HealthObserver
	logger         *zap.Logger

	mu       sync.Mutex
	failures map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthChecker(selector *Selector, prober Prober, cfg configtypes.HealthConfig, logger *zap.Logger) *HealthChecker {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthChecker{
		selector:       selector,
		prober:         prober,
		interval:       time.Duration(cfg.Interval),
		timeout:        time.Duration(cfg.Timeout),
		unhealthyAfter: cfg.UnhealthyAfter,
		logger:         logger,
		failures:       make(map[string]int),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (h *HealthChecker) SetObserver(o HealthObserver) {
	h.observer = o
}

func (h *HealthChecker) Start() {
	h.logger.Info("Instance health checker starting",
		zap.Duration("interval", h.interval),
		zap.Int("unhealthy_after", h.unhealthyAfter))

	ticker := time.NewTicker(h.interval)
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		defer ticker.Stop()

		h.CheckOnce(h.ctx)
		for {
			select {
			case <-ticker.C:
				h.CheckOnce(h.ctx)
			case <-h.ctx.Done():
				h.logger.Info("Instance health checker shutting down")
				return
			}
		}
	}()
}

func (h *HealthChecker) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// CheckOnce probes all instances concurrently and waits for the results
func (h *HealthChecker) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range h.selector.Instances() {
		wg.Add(1)
		go func(inst Instance) {
			defer wg.Done()
			h.probe(ctx, inst)
		}(st.Instance)
	}
	wg.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, inst Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.prober.Health(probeCtx, inst)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	if err == nil {
		h.failures[inst.ID] = 0
	} else {
		h.failures[inst.ID]++
	}
	failures := h.failures[inst.ID]
	h.mu.Unlock()

	healthy := err == nil
	if healthy {
		h.selector.MarkHealthy(inst.ID)
	} else {
		h.logger.Debug("Instance health probe failed",
			zap.String("instance", inst.ID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		if failures >= h.unhealthyAfter {
			h.selector.MarkUnhealthy(inst.ID)
		} else {
			healthy = true
		}
	}

	if h.observer != nil {
		h.observer.InstanceHealth(inst.ID, healthy)
	}
}
