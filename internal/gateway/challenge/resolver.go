package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// ErrUnresolved is returned by callers that treat a Failed outcome as an error
var ErrUnresolved = errors.New("challenge unresolved")

// State of the resolver machine
type State int

const (
	StateLoaded State = iota
	StateDetecting
	StateChallengePresent
	StateWaiting
	StateRecheck
	StateEscalate
	StateReloading
	StateClear
	StateFailed
)

var stateNames = [...]string{"loaded", "detecting", "challenge_present", "waiting", "recheck", "escalate", "reloading", "clear", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PageState is what the resolver can observe of a loaded page
type PageState struct {
	Title string
	HTML  string
	URL   string
}

// Page is one loaded browser page
type Page interface {
	Snapshot(ctx context.Context) (PageState, error)
	// Activate tries to operate a verification control and reports whether one was found
	Activate(ctx context.Context) (bool, error)
	Reload(ctx context.Context) error
}

// Sleeper pauses for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome is the terminal result of Resolve
type Outcome struct {
	State     State
	Page      PageState
	Marker    string // last challenge marker seen, empty if none
	Polls     int    // recheck ticks across all waits
	Escalated bool
	Reloads   int
}

// Config bounds every phase of the machine
type Config struct {
	PollInterval    time.Duration
	WaitTimeout     time.Duration
	EscalateTimeout time.Duration
	MaxReloads      int
}

// ConfigFrom converts the YAML section; defaults must already be applied
func ConfigFrom(c configtypes.ChallengeConfig) Config {
	cfg := Config{
		PollInterval:    time.Duration(c.PollInterval),
		WaitTimeout:     time.Duration(c.WaitTimeout),
		EscalateTimeout: time.Duration(c.EscalateTimeout),
	}
	if c.MaxReloads != nil {
		cfg.MaxReloads = *c.MaxReloads
	}
	return cfg
}

// Resolver drives one page from Loaded to Clear or Failed.
// Detecting inspects the page once; a challenge moves to Waiting, which
// rechecks every PollInterval for WaitTimeout. On timeout Escalate tries a
// verification control once and waits EscalateTimeout. Each of at most
// MaxReloads reloads is followed by Detecting and one EscalateTimeout recheck
// window, then Failed.
type Resolver struct {
	cfg      Config
	detector *Detector
	sleep    Sleeper
	logger   *zap.Logger
}

func NewResolver(cfg Config, detector *Detector, logger *zap.Logger) *Resolver {
	return &Resolver{
		cfg:      cfg,
		detector: detector,
		sleep:    sleepContext,
		logger:   logger,
	}
}

// WithSleeper replaces the wall-clock sleeper
func (r *Resolver) WithSleeper(s Sleeper) *Resolver {
	r.sleep = s
	return r
}

// Budget is the worst-case time Resolve spends sleeping
func (r *Resolver) Budget() time.Duration {
	ticks := r.ticks(r.cfg.WaitTimeout) + r.ticks(r.cfg.EscalateTimeout)*(r.cfg.MaxReloads+1)
	return time.Duration(ticks) * r.cfg.PollInterval
}

// Resolve returns Clear or Failed. err is set only when the page or ctx fails;
// an exhausted budget is a Failed outcome with a nil error.
func (r *Resolver) Resolve(ctx context.Context, page Page) (Outcome, error) {
	out := Outcome{State: StateLoaded}

	if cleared, err := r.detect(ctx, page, &out); err != nil || cleared {
		return out, err
	}

	out.State = StateWaiting
	if cleared, err := r.wait(ctx, page, r.cfg.WaitTimeout, &out); err != nil || cleared {
		return out, err
	}

	out.State = StateEscalate
	out.Escalated = true
	activated, err := page.Activate(ctx)
	if err != nil {
		r.logger.Debug("Verification control activation failed", zap.Error(err))
	}
	r.logger.Debug("Challenge escalated", zap.Bool("control_found", activated))

	out.State = StateWaiting
	if cleared, err := r.wait(ctx, page, r.cfg.EscalateTimeout, &out); err != nil || cleared {
		return out, err
	}

	for out.Reloads < r.cfg.MaxReloads {
		out.State = StateReloading
		out.Reloads++
		if err := page.Reload(ctx); err != nil {
			out.State = StateFailed
			return out, fmt.Errorf("reload page: %w", err)
		}

		if cleared, err := r.detect(ctx, page, &out); err != nil || cleared {
			return out, err
		}

		out.State = StateWaiting
		if cleared, err := r.wait(ctx, page, r.cfg.EscalateTimeout, &out); err != nil || cleared {
			return out, err
		}
	}

	out.State = StateFailed
	r.logger.Info("Challenge unresolved",
		zap.String("marker", out.Marker),
		zap.Int("polls", out.Polls),
		zap.Int("reloads", out.Reloads))
	return out, nil
}

// detect inspects the page once and reports whether it is clear
func (r *Resolver) detect(ctx context.Context, page Page, out *Outcome) (bool, error) {
	out.State = StateDetecting
	state, err := page.Snapshot(ctx)
	if err != nil {
		out.State = StateFailed
		return false, fmt.Errorf("inspect page: %w", err)
	}
	out.Page = state

	marker := r.detector.Detect(state)
	if marker == "" {
		out.State = StateClear
		out.Marker = ""
		return true, nil
	}
	out.State = StateChallengePresent
	out.Marker = marker
	r.logger.Debug("Challenge detected",
		zap.String("marker", marker),
		zap.String("url", state.URL),
		zap.Int("reloads", out.Reloads))
	return false, nil
}

// wait rechecks the page every PollInterval for budget, updating out.
// A snapshot error during a recheck counts as still challenged; challenge
// pages navigate on their own and snapshots can fail mid-navigation.
func (r *Resolver) wait(ctx context.Context, page Page, budget time.Duration, out *Outcome) (bool, error) {
	for i := 0; i < r.ticks(budget); i++ {
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			out.State = StateFailed
			return false, err
		}

		out.State = StateRecheck
		out.Polls++
		state, err := page.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				out.State = StateFailed
				return false, ctx.Err()
			}
			r.logger.Debug("Recheck snapshot failed", zap.Error(err))
			continue
		}
		out.Page = state

		marker := r.detector.Detect(state)
		if marker == "" {
			out.State = StateClear
			out.Marker = ""
			return true, nil
		}
		out.Marker = marker
	}
	return false, nil
}

func (r *Resolver) ticks(budget time.Duration) int {
	if budget <= 0 || r.cfg.PollInterval <= 0 {
		return 0
	}
	n := int(budget / r.cfg.PollInterval)
	if budget%r.cfg.PollInterval != 0 {
		n++
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
