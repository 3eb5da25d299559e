package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	challengePage = PageState{Title: "Just a moment...", HTML: `<div id="challenge-running"></div>`, URL: "https://example.com/"}
	clearPage     = PageState{Title: "Example", HTML: "<p>content</p>", URL: "https://example.com/"}
)

// scriptedPage serves snapshots from a script; the last entry repeats
type scriptedPage struct {
	script      []PageState
	errAt       map[int]error
	snapshots   int
	activations int
	reloads     int
	clearOnAct  bool
	reloadErr   error
	afterReload []PageState
}

func (p *scriptedPage) Snapshot(context.Context) (PageState, error) {
	i := p.snapshots
	p.snapshots++
	if err := p.errAt[i]; err != nil {
		return PageState{}, err
	}
	if i >= len(p.script) {
		return p.script[len(p.script)-1], nil
	}
	return p.script[i], nil
}

func (p *scriptedPage) Activate(context.Context) (bool, error) {
	p.activations++
	if p.clearOnAct {
		p.script = []PageState{clearPage}
		p.snapshots = 0
	}
	return true, nil
}

func (p *scriptedPage) Reload(context.Context) error {
	p.reloads++
	if p.reloadErr != nil {
		return p.reloadErr
	}
	if p.afterReload != nil {
		p.script = p.afterReload
		p.snapshots = 0
	}
	return nil
}

type sleepRecorder struct {
	calls int
	total time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls++
	s.total += d
	return nil
}

func testResolver(cfg Config) (*Resolver, *sleepRecorder) {
	rec := &sleepRecorder{}
	r := NewResolver(cfg, NewDetector(nil, nil, nil), zap.NewNop()).WithSleeper(rec.sleep)
	return r, rec
}

var baseConfig = Config{
	PollInterval:    100 * time.Millisecond,
	WaitTimeout:     time.Second,
	EscalateTimeout: 300 * time.Millisecond,
	MaxReloads:      1,
}

func TestResolve_ClearOnFirstInspection(t *testing.T) {
	r, rec := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{clearPage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateClear, out.State)
	assert.Equal(t, 0, out.Polls)
	assert.Equal(t, 0, rec.calls)
	assert.Equal(t, clearPage, out.Page)
	assert.Empty(t, out.Marker)
}

func TestResolve_ClearsOnThirdPoll(t *testing.T) {
	r, rec := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{challengePage, challengePage, challengePage, clearPage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateClear, out.State)
	assert.Equal(t, 3, out.Polls)
	assert.Equal(t, 3, rec.calls)
	assert.False(t, out.Escalated)
	assert.Equal(t, 0, out.Reloads)
	assert.Equal(t, clearPage, out.Page)
}

func TestResolve_EscalationClears(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{challengePage}, clearOnAct: true}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateClear, out.State)
	assert.True(t, out.Escalated)
	assert.Equal(t, 1, page.activations)
	assert.Equal(t, 10+1, out.Polls)
	assert.Equal(t, 0, page.reloads)
}

func TestResolve_ReloadClears(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{challengePage}, afterReload: []PageState{clearPage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateClear, out.State)
	assert.Equal(t, 1, out.Reloads)
	assert.Equal(t, 10+3, out.Polls)
}

func TestResolve_FailsWhenBudgetExhausted(t *testing.T) {
	cfg := baseConfig
	cfg.MaxReloads = 2
	r, rec := testResolver(cfg)
	page := &scriptedPage{script: []PageState{challengePage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 2, out.Reloads)
	assert.Equal(t, 1, page.activations)
	assert.Equal(t, 10+3+3+3, out.Polls)
	assert.Equal(t, "title:just a moment", out.Marker)
	assert.Equal(t, challengePage, out.Page)
	assert.Equal(t, r.Budget(), rec.total)
}

func TestResolve_NeverClearsEscalatesOnce(t *testing.T) {
	r, rec := testResolver(Config{
		PollInterval:    500 * time.Millisecond,
		WaitTimeout:     20 * time.Second,
		EscalateTimeout: 10 * time.Second,
		MaxReloads:      1,
	})
	page := &scriptedPage{script: []PageState{challengePage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Escalated)
	assert.Equal(t, 1, page.activations)
	assert.Equal(t, 1, page.reloads)
	assert.Equal(t, 40+20+20, out.Polls)
	assert.Equal(t, 40*time.Second, rec.total)
	assert.Equal(t, r.Budget(), rec.total)
}

func TestResolve_NoReloadsAllowed(t *testing.T) {
	cfg := baseConfig
	cfg.MaxReloads = 0
	cfg.EscalateTimeout = 0
	r, _ := testResolver(cfg)
	page := &scriptedPage{script: []PageState{challengePage}}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 0, page.reloads)
	assert.Equal(t, 1, page.activations)
	assert.Equal(t, 10, out.Polls)
}

func TestResolve_RecheckErrorsCountAsChallenged(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{
		script: []PageState{challengePage, challengePage, challengePage, clearPage},
		errAt:  map[int]error{1: errors.New("execution context was destroyed")},
	}

	out, err := r.Resolve(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, StateClear, out.State)
	assert.Equal(t, 3, out.Polls)
}

func TestResolve_InitialSnapshotError(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{clearPage}, errAt: map[int]error{0: errors.New("target closed")}}

	out, err := r.Resolve(context.Background(), page)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target closed")
	assert.Equal(t, StateFailed, out.State)
}

func TestResolve_ReloadError(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{challengePage}, reloadErr: errors.New("navigation failed")}

	out, err := r.Resolve(context.Background(), page)
	require.Error(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 1, out.Reloads)
}

func TestResolve_ContextCancelled(t *testing.T) {
	r, _ := testResolver(baseConfig)
	page := &scriptedPage{script: []PageState{challengePage}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := r.Resolve(ctx, page)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 0, out.Polls)
}

func TestResolver_Ticks(t *testing.T) {
	r, _ := testResolver(Config{PollInterval: 300 * time.Millisecond})

	assert.Equal(t, 0, r.ticks(0))
	assert.Equal(t, 1, r.ticks(100*time.Millisecond))
	assert.Equal(t, 1, r.ticks(300*time.Millisecond))
	assert.Equal(t, 4, r.ticks(time.Second))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "clear", StateClear.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
