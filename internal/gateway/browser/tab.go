package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Tab is one browser target. Callers serialize navigations on a shared tab.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	chrome *Chrome

	// HTTP status of the last main document response
	documentStatus atomic.Int64

	closeOnce sync.Once
}

func openTab(c *Chrome) (*Tab, error) {
	ctx, cancel := c.NewTabContext()
	t := &Tab{ctx: ctx, cancel: cancel, chrome: c}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument && e.Response != nil {
			t.documentStatus.Store(e.Response.Status)
		}
	})

	// The first Run creates the target
	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab on chrome %d: %w", c.ID, err)
	}

	c.openTabs.Add(1)
	return t, nil
}

// Run executes actions on the tab; ctx bounds the call without closing the tab
func (t *Tab) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close closes the target. Safe to call more than once.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.chrome.openTabs.Add(-1)
	})
}

// Closed reports whether the target is gone, closed here or lost with its browser
func (t *Tab) Closed() bool {
	return t.ctx.Err() != nil
}

func (t *Tab) DocumentStatus() int {
	return int(t.documentStatus.Load())
}

func (t *Tab) resetStatus() {
	t.documentStatus.Store(0)
}
