package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Browsers      int           `json:"browsers"`
	AliveBrowsers int           `json:"alive_browsers"`
	OpenTabs      int           `json:"open_tabs"`
	TotalTabs     int64         `json:"total_tabs"`
	TotalRestarts int64         `json:"total_restarts"`
	Uptime        time.Duration `json:"uptime"`
}

// starter launches one browser; replaced in tests
type starter func(id int, cfg configtypes.BrowserConfig, logger *zap.Logger) (*Chrome, error)

// Pool owns a fixed number of Chrome processes and spreads tabs across them
type Pool struct {
	cfg    configtypes.BrowserConfig
	start  starter
	logger *zap.Logger

	mu       sync.RWMutex
	browsers []*Chrome
	closed   bool

	createdAt     time.Time
	totalTabs     atomic.Int64
	totalRestarts atomic.Int64
}

// NewPool starts cfg.PoolSize browsers. Any failure stops the ones already started.
func NewPool(cfg configtypes.BrowserConfig, logger *zap.Logger) (*Pool, error) {
	return newPool(cfg, StartChrome, logger)
}

func newPool(cfg configtypes.BrowserConfig, start starter, logger *zap.Logger) (*Pool, error) {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}

	p := &Pool{
		cfg:       cfg,
		start:     start,
		logger:    logger,
		browsers:  make([]*Chrome, 0, size),
		createdAt: time.Now().UTC(),
	}

	for i := 0; i < size; i++ {
		c, err := start(i, cfg, logger)
		if err != nil {
			p.terminateAll()
			return nil, fmt.Errorf("failed to start chrome pool: %w", err)
		}
		p.browsers = append(p.browsers, c)
	}

	logger.Info("Chrome pool started", zap.Int("pool_size", size))
	return p, nil
}

// OpenTab opens a tab on the least loaded browser, restarting it first when dead
func (p *Pool) OpenTab(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}

	idx := p.leastLoaded()
	c := p.browsers[idx]
	p.mu.Unlock()

	if !c.IsAlive(ctx) {
		p.logger.Warn("Chrome instance is dead, restarting",
			zap.Int("chrome_id", c.ID),
			zap.Int("open_tabs", c.OpenTabs()))

		restarted, err := p.replace(idx, c)
		if err != nil {
			return nil, err
		}
		c = restarted
	}

	tab, err := openTab(c)
	if err != nil {
		return nil, err
	}
	p.totalTabs.Add(1)

	p.logger.Debug("Tab opened",
		zap.Int("chrome_id", c.ID),
		zap.Int("open_tabs", c.OpenTabs()))

	return tab, nil
}

// leastLoaded must be called with mu held
func (p *Pool) leastLoaded() int {
	best := 0
	for i, c := range p.browsers {
		if c.OpenTabs() < p.browsers[best].OpenTabs() {
			best = i
		}
	}
	return best
}

// replace swaps browser idx for a fresh one unless another caller already did
func (p *Pool) replace(idx int, old *Chrome) (*Chrome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolShutdown
	}
	if current := p.browsers[idx]; current != old {
		return current, nil
	}

	old.Terminate()
	c, err := p.start(old.ID, p.cfg, p.logger)
	if err != nil {
		p.logger.Error("Failed to restart chrome instance",
			zap.Int("chrome_id", old.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: instance %d: %v", ErrRestartFailed, old.ID, err)
	}
	p.browsers[idx] = c
	p.totalRestarts.Add(1)
	return c, nil
}

// Restart replaces every browser. Open tabs die with their browser.
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolShutdown
	}

	var failed int
	for i, old := range p.browsers {
		if err := ctx.Err(); err != nil {
			return err
		}
		old.Terminate()
		c, err := p.start(old.ID, p.cfg, p.logger)
		if err != nil {
			p.logger.Error("Failed to restart chrome instance",
				zap.Int("chrome_id", old.ID),
				zap.Error(err))
			failed++
			continue
		}
		p.browsers[i] = c
		p.totalRestarts.Add(1)
	}

	p.logger.Info("Chrome pool restarted",
		zap.Int("pool_size", len(p.browsers)),
		zap.Int("failed", failed))

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d instances", ErrRestartFailed, failed, len(p.browsers))
	}
	return nil
}

// Healthy reports whether at least one browser answers
func (p *Pool) Healthy(ctx context.Context) bool {
	p.mu.RLock()
	browsers := append([]*Chrome(nil), p.browsers...)
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return false
	}
	for _, c := range browsers {
		if c.IsAlive(ctx) {
			return true
		}
	}
	return false
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Browsers:      len(p.browsers),
		TotalTabs:     p.totalTabs.Load(),
		TotalRestarts: p.totalRestarts.Load(),
		Uptime:        time.Since(p.createdAt),
	}
	for _, c := range p.browsers {
		if !c.dead.Load() {
			stats.AliveBrowsers++
		}
		stats.OpenTabs += c.OpenTabs()
	}
	return stats
}

// Shutdown terminates every browser; later OpenTab calls fail with ErrPoolShutdown
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	stats := p.Stats()
	p.terminateAll()

	p.logger.Info("Chrome pool shut down",
		zap.Int64("total_tabs", stats.TotalTabs),
		zap.Int64("total_restarts", stats.TotalRestarts),
		zap.Duration("uptime", stats.Uptime))
}

func (p *Pool) terminateAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.browsers {
		c.Terminate()
	}
}
