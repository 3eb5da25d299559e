package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

type fakeStarter struct {
	started []*Chrome
	failAt  map[int]bool
	calls   int
}

func (f *fakeStarter) start(id int, _ configtypes.BrowserConfig, _ *zap.Logger) (*Chrome, error) {
	f.calls++
	if f.failAt[f.calls] {
		return nil, errors.New("exec: chrome not found")
	}
	c := &Chrome{ID: id}
	f.started = append(f.started, c)
	return c, nil
}

func TestNewPool(t *testing.T) {
	t.Run("starts pool size browsers", func(t *testing.T) {
		fs := &fakeStarter{}
		p, err := newPool(configtypes.BrowserConfig{PoolSize: 3}, fs.start, zap.NewNop())
		require.NoError(t, err)

		stats := p.Stats()
		assert.Equal(t, 3, stats.Browsers)
		assert.Equal(t, 3, stats.AliveBrowsers)
		assert.Equal(t, 0, stats.OpenTabs)
	})

	t.Run("minimum one browser", func(t *testing.T) {
		fs := &fakeStarter{}
		p, err := newPool(configtypes.BrowserConfig{}, fs.start, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 1, p.Stats().Browsers)
	})

	t.Run("failure terminates started browsers", func(t *testing.T) {
		fs := &fakeStarter{failAt: map[int]bool{3: true}}
		_, err := newPool(configtypes.BrowserConfig{PoolSize: 3}, fs.start, zap.NewNop())
		require.Error(t, err)

		require.Len(t, fs.started, 2)
		for _, c := range fs.started {
			assert.True(t, c.dead.Load())
		}
	})
}

func TestPoolRestart(t *testing.T) {
	t.Run("replaces every browser", func(t *testing.T) {
		fs := &fakeStarter{}
		p, err := newPool(configtypes.BrowserConfig{PoolSize: 2}, fs.start, zap.NewNop())
		require.NoError(t, err)
		first := append([]*Chrome(nil), p.browsers...)

		require.NoError(t, p.Restart(context.Background()))

		for i, old := range first {
			assert.True(t, old.dead.Load())
			assert.NotSame(t, old, p.browsers[i])
			assert.Equal(t, old.ID, p.browsers[i].ID)
		}
		assert.Equal(t, int64(2), p.Stats().TotalRestarts)
	})

	t.Run("partial failure is reported", func(t *testing.T) {
		fs := &fakeStarter{failAt: map[int]bool{3: true}}
		p, err := newPool(configtypes.BrowserConfig{PoolSize: 2}, fs.start, zap.NewNop())
		require.NoError(t, err)

		err = p.Restart(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRestartFailed)
		assert.Equal(t, int64(1), p.Stats().TotalRestarts)
	})

	t.Run("after shutdown", func(t *testing.T) {
		fs := &fakeStarter{}
		p, err := newPool(configtypes.BrowserConfig{PoolSize: 1}, fs.start, zap.NewNop())
		require.NoError(t, err)
		p.Shutdown()

		assert.ErrorIs(t, p.Restart(context.Background()), ErrPoolShutdown)
	})
}

func TestPoolReplace(t *testing.T) {
	fs := &fakeStarter{}
	p, err := newPool(configtypes.BrowserConfig{PoolSize: 2}, fs.start, zap.NewNop())
	require.NoError(t, err)

	old := p.browsers[1]
	c, err := p.replace(1, old)
	require.NoError(t, err)
	assert.NotSame(t, old, c)
	assert.True(t, old.dead.Load())

	// A second caller holding the stale pointer gets the fresh browser
	again, err := p.replace(1, old)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, int64(1), p.Stats().TotalRestarts)
}

func TestPoolLeastLoaded(t *testing.T) {
	fs := &fakeStarter{}
	p, err := newPool(configtypes.BrowserConfig{PoolSize: 3}, fs.start, zap.NewNop())
	require.NoError(t, err)

	p.browsers[0].openTabs.Store(2)
	p.browsers[1].openTabs.Store(1)
	p.browsers[2].openTabs.Store(3)

	assert.Equal(t, 1, p.leastLoaded())
	assert.Equal(t, 6, p.Stats().OpenTabs)
}

func TestPoolShutdown(t *testing.T) {
	fs := &fakeStarter{}
	p, err := newPool(configtypes.BrowserConfig{PoolSize: 2}, fs.start, zap.NewNop())
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()

	for _, c := range fs.started {
		assert.True(t, c.dead.Load())
	}
	assert.False(t, p.Healthy(context.Background()))

	_, err = p.OpenTab(context.Background())
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPoolHealthyAllDead(t *testing.T) {
	fs := &fakeStarter{}
	p, err := newPool(configtypes.BrowserConfig{PoolSize: 2}, fs.start, zap.NewNop())
	require.NoError(t, err)

	for _, c := range p.browsers {
		c.dead.Store(true)
	}
	assert.False(t, p.Healthy(context.Background()))
	assert.Equal(t, 0, p.Stats().AliveBrowsers)
}

func TestAllocatorOptions(t *testing.T) {
	base := AllocatorOptions(configtypes.BrowserConfig{WindowWidth: 1280, WindowHeight: 800})

	withUA := AllocatorOptions(configtypes.BrowserConfig{UserAgent: "Mozilla/5.0 test"})
	assert.Len(t, withUA, len(base)+1)

	full := AllocatorOptions(configtypes.BrowserConfig{UserAgent: "Mozilla/5.0 test", ChromePath: "/usr/bin/chromium"})
	assert.Len(t, full, len(base)+2)
}
