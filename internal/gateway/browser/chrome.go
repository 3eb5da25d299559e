package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

const aliveCheckTimeout = 5 * time.Second

// Chrome is one browser process. Tabs are opened as child targets.
type Chrome struct {
	ID              int
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	createdAt       time.Time
	version         string
	logger          *zap.Logger

	dead     atomic.Bool
	openTabs atomic.Int32
}

// AllocatorOptions builds the exec allocator flags for cfg
func AllocatorOptions(cfg configtypes.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.IsHeadless()),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	return opts
}

// StartChrome launches a browser process and waits until it answers
func StartChrome(id int, cfg configtypes.BrowserConfig, logger *zap.Logger) (*Chrome, error) {
	c := &Chrome{
		ID:        id,
		createdAt: time.Now().UTC(),
		logger:    logger,
	}

	c.allocatorCtx, c.allocatorCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	c.ctx, c.cancel = chromedp.NewContext(c.allocatorCtx)

	startCtx, cancel := context.WithTimeout(c.ctx, time.Duration(cfg.StartTimeout))
	defer cancel()

	// The first Run starts the process
	err := chromedp.Run(startCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		c.version = product
		return nil
	}))
	if err != nil {
		c.Terminate()
		return nil, fmt.Errorf("%w: instance %d: %v", ErrStartFailed, id, err)
	}

	logger.Info("Chrome instance started",
		zap.Int("chrome_id", id),
		zap.String("version", c.version))

	return c, nil
}

// IsAlive asks the browser for its version
func (c *Chrome) IsAlive(ctx context.Context) bool {
	if c.dead.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, aliveCheckTimeout)
	defer cancel()

	// Bind the probe to the browser target and to ctx
	probeCtx, probeCancel := context.WithCancel(c.ctx)
	defer probeCancel()
	stop := context.AfterFunc(ctx, probeCancel)
	defer stop()

	err := chromedp.Run(probeCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		return err
	}))
	return err == nil
}

// NewTabContext returns a context for a new tab in this browser
func (c *Chrome) NewTabContext() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(c.ctx)
}

// Terminate kills the browser process
func (c *Chrome) Terminate() {
	c.dead.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	if c.allocatorCancel != nil {
		c.allocatorCancel()
	}
}

func (c *Chrome) Version() string {
	return c.version
}

func (c *Chrome) Age() time.Duration {
	return time.Since(c.createdAt)
}

func (c *Chrome) OpenTabs() int {
	return int(c.openTabs.Load())
}
