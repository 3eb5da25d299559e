package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/gateway/backend"
	"github.com/edgecomet/solver-gateway/internal/gateway/challenge"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

const (
	// InstanceID names the single pseudo-instance the local pool is exposed as
	InstanceID = "local"

	msgChallengeSolved      = "Challenge solved!"
	msgChallengeNotDetected = "Challenge not detected!"
	msgChallengeNotSolved   = "Challenge not solved!"

	statusJS = `(() => {
	const nav = performance.getEntriesByType('navigation')[0];
	return nav && nav.responseStatus ? nav.responseStatus : 0;
})()`
)

// ChallengeObserver receives the outcome of every resolved page
type ChallengeObserver interface {
	RecordChallenge(state string, escalated bool, polls int)
}

type tabSource interface {
	OpenTab(ctx context.Context) (*Tab, error)
	Restart(ctx context.Context) error
	Healthy(ctx context.Context) bool
	Stats() PoolStats
	Shutdown()
}

// sessionTab is a persistent tab; mu serializes navigations on it
type sessionTab struct {
	mu  sync.Mutex
	tab *Tab
}

// Backend solves requests in local Chrome tabs and speaks the same
// command protocol as a remote instance. Sessions are persistent tabs.
type Backend struct {
	tabs             tabSource
	resolver         *challenge.Resolver
	failOnUnresolved bool
	logger           *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionTab
	observer ChallengeObserver
}

// New starts the Chrome pool described by cfg
func New(cfg *configtypes.GatewayConfig, logger *zap.Logger) (*Backend, error) {
	pool, err := NewPool(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	return newBackend(pool, cfg.Challenge, logger), nil
}

func newBackend(tabs tabSource, cc configtypes.ChallengeConfig, logger *zap.Logger) *Backend {
	detector := challenge.NewDetector(cc.Titles, cc.Selectors, cc.Phrases)
	return &Backend{
		tabs:             tabs,
		resolver:         challenge.NewResolver(challenge.ConfigFrom(cc), detector, logger),
		failOnUnresolved: cc.FailOnUnresolved != nil && *cc.FailOnUnresolved,
		logger:           logger,
		sessions:         make(map[string]*sessionTab),
	}
}

// Instance is the selector entry for the local pool
func (b *Backend) Instance() instance.Instance {
	return instance.Instance{ID: InstanceID, Address: "chrome://local"}
}

func (b *Backend) SetObserver(o ChallengeObserver) {
	b.mu.Lock()
	b.observer = o
	b.mu.Unlock()
}

func (b *Backend) Call(ctx context.Context, inst instance.Instance, req *types.Request) (*types.Response, error) {
	start := time.Now()

	var (
		resp *types.Response
		err  error
	)
	switch req.Cmd {
	case types.CmdRequestGet:
		resp, err = b.fetch(ctx, req)
	case types.CmdSessionsCreate:
		resp, err = b.createSession(ctx, req.Session)
	case types.CmdSessionsDestroy:
		resp, err = b.destroySession(req.Session)
	case types.CmdSessionsList:
		resp = &types.Response{Status: types.StatusOK, Sessions: b.sessionIDs()}
	default:
		err = fmt.Errorf("%w: instance %s: command %q is not supported by the browser backend",
			backend.ErrRejected, inst.ID, req.Cmd)
	}
	if err != nil {
		return nil, err
	}

	resp.Elapsed = time.Since(start).Milliseconds()
	return resp, nil
}

func (b *Backend) Health(ctx context.Context, inst instance.Instance) error {
	if !b.tabs.Healthy(ctx) {
		return fmt.Errorf("%w: instance %s: no live chrome process", backend.ErrUnavailable, inst.ID)
	}
	return nil
}

func (b *Backend) createSession(ctx context.Context, id string) (*types.Response, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", backend.ErrRejected)
	}

	b.mu.Lock()
	_, exists := b.sessions[id]
	b.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: session %s already exists", backend.ErrRejected, id)
	}

	tab, err := b.tabs.OpenTab(ctx)
	if err != nil {
		return nil, b.openError(ctx, err)
	}

	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		tab.Close()
		return nil, fmt.Errorf("%w: session %s already exists", backend.ErrRejected, id)
	}
	b.sessions[id] = &sessionTab{tab: tab}
	b.mu.Unlock()

	b.logger.Debug("Browser session created", zap.String("session_id", id))
	return &types.Response{Status: types.StatusOK, Message: "Session created successfully.", Session: id}, nil
}

func (b *Backend) destroySession(id string) (*types.Response, error) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: session %s doesn't exist", backend.ErrSessionInvalid, id)
	}

	// Wait for an in-flight navigation before closing the tab
	s.mu.Lock()
	s.tab.Close()
	s.mu.Unlock()

	b.logger.Debug("Browser session destroyed", zap.String("session_id", id))
	return &types.Response{Status: types.StatusOK, Message: "The session has been removed."}, nil
}

func (b *Backend) sessionIDs() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (b *Backend) fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: request parameter 'url' is mandatory", backend.ErrRejected)
	}

	if req.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.MaxTimeout)*time.Millisecond)
		defer cancel()
	}

	var (
		tab  *Tab
		sess *sessionTab
	)
	if req.Session != "" {
		b.mu.Lock()
		s, ok := b.sessions[req.Session]
		b.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: session %s doesn't exist", backend.ErrSessionInvalid, req.Session)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tab.Closed() {
			return nil, b.dropSession(req.Session, s)
		}
		tab, sess = s.tab, s
	} else {
		t, err := b.tabs.OpenTab(ctx)
		if err != nil {
			return nil, b.openError(ctx, err)
		}
		defer t.Close()
		tab = t
	}

	fail := func(err error) error {
		if sess != nil && tab.Closed() && ctx.Err() == nil {
			return b.dropSession(req.Session, sess)
		}
		return navigationError(ctx, req.URL, err)
	}

	tab.resetStatus()
	if err := tab.Run(ctx, chromedp.Navigate(req.URL)); err != nil {
		b.logger.Debug("Navigation failed",
			zap.String("url", req.URL),
			zap.String("session_id", req.Session),
			zap.Error(err))
		return nil, fail(err)
	}

	outcome, err := b.resolver.Resolve(ctx, challenge.NewChromePage(tab))
	b.observe(outcome)
	if err != nil {
		return nil, fail(err)
	}

	if outcome.State == challenge.StateFailed && b.failOnUnresolved {
		return nil, fmt.Errorf("%w: %s: marker %s after %d reloads",
			challenge.ErrUnresolved, req.URL, outcome.Marker, outcome.Reloads)
	}

	solution, err := b.solution(ctx, tab, outcome.Page)
	if err != nil {
		return nil, fail(err)
	}

	return &types.Response{
		Status:   types.StatusOK,
		Message:  outcomeMessage(outcome),
		Solution: solution,
		Session:  req.Session,
	}, nil
}

// dropSession forgets a session whose tab is gone, usually because its
// browser was replaced. The caller holds s.mu.
func (b *Backend) dropSession(id string, s *sessionTab) error {
	b.mu.Lock()
	if b.sessions[id] == s {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	s.tab.Close()

	b.logger.Warn("Browser session lost", zap.String("session_id", id))
	return fmt.Errorf("%w: session %s was lost with its browser", backend.ErrSessionInvalid, id)
}

func (b *Backend) solution(ctx context.Context, tab *Tab, page challenge.PageState) (*types.Solution, error) {
	var (
		cookies   []*network.Cookie
		userAgent string
		status    int64
	)
	err := tab.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
		chromedp.Evaluate(statusJS, &status),
	)
	if err != nil {
		return nil, fmt.Errorf("collect solution: %w", err)
	}

	code := tab.DocumentStatus()
	if code == 0 {
		code = int(status)
	}
	if code == 0 {
		code = 200
	}

	return &types.Solution{
		URL:       page.URL,
		Status:    code,
		Response:  page.HTML,
		Cookies:   convertCookies(cookies),
		UserAgent: userAgent,
		Headers:   map[string]string{},
	}, nil
}

func (b *Backend) observe(outcome challenge.Outcome) {
	b.mu.Lock()
	o := b.observer
	b.mu.Unlock()
	if o != nil {
		o.RecordChallenge(outcome.State.String(), outcome.Escalated, outcome.Polls)
	}

	if outcome.State == challenge.StateFailed {
		b.logger.Warn("Challenge unresolved",
			zap.String("url", outcome.Page.URL),
			zap.String("marker", outcome.Marker),
			zap.Int("polls", outcome.Polls),
			zap.Int("reloads", outcome.Reloads))
	}
}

func (b *Backend) openError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: open tab: %v", backend.ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: open tab: %v", backend.ErrUnavailable, err)
}

// Restart closes every session tab and relaunches the browsers
func (b *Backend) Restart(ctx context.Context) error {
	closed := b.closeSessions()
	b.logger.Info("Restarting browser backend", zap.Int("sessions_closed", closed))
	return b.tabs.Restart(ctx)
}

func (b *Backend) Stats() PoolStats {
	return b.tabs.Stats()
}

// Shutdown closes every tab and terminates the browsers
func (b *Backend) Shutdown() {
	b.closeSessions()
	b.tabs.Shutdown()
}

func (b *Backend) closeSessions() int {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*sessionTab)
	b.mu.Unlock()

	for _, s := range sessions {
		s.tab.Close()
	}
	return len(sessions)
}

func outcomeMessage(outcome challenge.Outcome) string {
	switch {
	case outcome.State == challenge.StateFailed:
		return msgChallengeNotSolved
	case outcome.Polls == 0 && outcome.Reloads == 0:
		return msgChallengeNotDetected
	default:
		return msgChallengeSolved
	}
}

// navigationError classifies a failed page operation
func navigationError(ctx context.Context, url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", backend.ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: %s: %v", backend.ErrUnavailable, url, err)
}

func convertCookies(in []*network.Cookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Size:     int(c.Size),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return out
}
