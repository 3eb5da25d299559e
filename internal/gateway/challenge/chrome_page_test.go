package challenge

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRunner struct {
	err   error
	calls [][]chromedp.Action
}

func (r *failingRunner) Run(_ context.Context, actions ...chromedp.Action) error {
	r.calls = append(r.calls, actions)
	return r.err
}

func TestChromePage_PropagatesRunnerErrors(t *testing.T) {
	runner := &failingRunner{err: errors.New("target closed")}
	page := NewChromePage(runner)
	ctx := context.Background()

	_, err := page.Snapshot(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot")

	found, err := page.Activate(ctx)
	require.Error(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, page.Reload(ctx), runner.err)

	require.Len(t, runner.calls, 3)
	assert.Len(t, runner.calls[0], 3, "snapshot reads title, location and html in one run")
}

func TestChromePage_NoControlFound(t *testing.T) {
	runner := &failingRunner{}
	page := NewChromePage(runner)

	// a runner that executes nothing leaves the click point nil
	found, err := page.Activate(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, runner.calls, 1)
}
