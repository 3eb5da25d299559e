package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/common/urlutil"
	"github.com/edgecomet/solver-gateway/internal/gateway/backend"
	"github.com/edgecomet/solver-gateway/internal/gateway/cache"
	"github.com/edgecomet/solver-gateway/internal/gateway/fingerprint"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

const (
	// Detached from the request context so a finished request cannot abort them
	backgroundDestroyTimeout = 30 * time.Second
	invalidDestroyTimeout    = 5 * time.Second
	cacheOperationTimeout    = 5 * time.Second

	msgSessionCreated   = "Session created successfully."
	msgSessionDestroyed = "The session has been removed."
)

// Recorder receives dispatcher metrics
type Recorder interface {
	RecordRequest(command, status string, duration time.Duration)
	RecordCacheHit(class string)
	RecordCacheMiss(class string)
	RecordBackendCall(instanceID, outcome string, duration time.Duration)
	RecordError(errorType string)
}

// Config holds the dispatcher's timing and recycle policy
type Config struct {
	MaxTimeout          time.Duration
	Grace               time.Duration
	RecycleAfter        int
	CacheTTL            time.Duration
	BlockPrivateTargets bool
}

func ConfigFrom(cfg *configtypes.GatewayConfig) Config {
	return Config{
		MaxTimeout:          time.Duration(cfg.Backend.MaxTimeout),
		Grace:               time.Duration(cfg.Backend.Grace),
		RecycleAfter:        cfg.Sessions.RecycleAfter,
		CacheTTL:            time.Duration(cfg.Cache.TTL),
		BlockPrivateTargets: cfg.Backend.BlockPrivateTargets,
	}
}

// Deps are the collaborators a Dispatcher routes through
type Deps struct {
	Cache    cache.Store
	Deriver  *fingerprint.Deriver
	Registry *session.Registry
	Selector *instance.Selector
	Client   backend.Client
	Limiter  *limiter.Limiter
	Metrics  Recorder
}

// cachedResult is the cache payload of a successful fetch
type cachedResult struct {
	Message  string          `json:"message,omitempty"`
	Solution *types.Solution `json:"solution"`
}

// Dispatcher handles one command at a time per caller; it is safe for
// concurrent use. Session and cache state change only through the registry
// and store.
type Dispatcher struct {
	cfg      Config
	cache    cache.Store
	deriver  *fingerprint.Deriver
	registry *session.Registry
	selector *instance.Selector
	client   backend.Client
	limiter  *limiter.Limiter
	metrics  Recorder
	logger   *zap.Logger

	mu         sync.Mutex
	closing    bool
	background sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Dispatcher {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Dispatcher{
		cfg:      cfg,
		cache:    deps.Cache,
		deriver:  deps.Deriver,
		registry: deps.Registry,
		selector: deps.Selector,
		client:   deps.Client,
		limiter:  deps.Limiter,
		metrics:  metrics,
		logger:   logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Handle executes a wire request and always returns a response payload
func (d *Dispatcher) Handle(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	name := "unknown"
	if req != nil && req.Cmd != "" {
		name = req.Cmd
	}

	cmd, err := ParseCommand(req)
	var resp *types.Response
	if err == nil {
		resp, err = d.Execute(ctx, cmd)
	}
	if err != nil {
		resp = d.failure(name, err)
	}

	elapsed := time.Since(start)
	resp.Elapsed = elapsed.Milliseconds()
	d.metrics.RecordRequest(name, resp.Status, elapsed)
	return resp
}

// Execute runs cmd bounded by the request deadline, which covers both
// limiter queueing and the backend call.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (*types.Response, error) {
	if d.isClosing() {
		return nil, ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(ctx, d.deadline(cmd))
	defer cancel()

	switch c := cmd.(type) {
	case Fetch:
		return d.fetch(ctx, c)
	case SessionCreate:
		return d.createSession(ctx, c)
	case SessionDestroy:
		return d.destroySession(ctx, c)
	case SessionList:
		return d.listSessions(), nil
	case Other:
		return d.relay(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unsupported command %s", ErrInvalidRequest, cmd.Name())
	}
}

func (d *Dispatcher) deadline(cmd Command) time.Duration {
	timeout := d.cfg.MaxTimeout
	if f, ok := cmd.(Fetch); ok && f.MaxTimeout > 0 && f.MaxTimeout < timeout {
		timeout = f.MaxTimeout
	}
	return timeout + d.cfg.Grace
}

func (d *Dispatcher) fetch(ctx context.Context, c Fetch) (*types.Response, error) {
	if d.cfg.BlockPrivateTargets {
		if err := urlutil.ValidateTarget(c.URL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	fp := d.deriver.Derive(c.URL, c.Params)
	class := fp.Class.String()

	if resp, ok := d.fromCache(ctx, fp); ok {
		d.metrics.RecordCacheHit(class)
		return resp, nil
	}
	d.metrics.RecordCacheMiss(class)

	var (
		resp *types.Response
		err  error
	)
	if c.Session != "" || fp.UsesSession() {
		resp, err = d.fetchInSession(ctx, c)
	} else {
		resp, err = d.fetchFast(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	d.store(ctx, fp, resp)
	return resp, nil
}

func (d *Dispatcher) fetchFast(ctx context.Context, c Fetch) (*types.Response, error) {
	inst, err := d.pick(c.Instance)
	if err != nil {
		return nil, err
	}
	return d.call(ctx, inst, fetchRequest(c, ""))
}

// fetchInSession runs a fetch inside the client's session or a pooled one.
// Bookkeeping happens only after the backend confirms success.
func (d *Dispatcher) fetchInSession(ctx context.Context, c Fetch) (*types.Response, error) {
	inst, id, err := d.sessionFor(ctx, c)
	if err != nil {
		return nil, err
	}

	resp, err := d.call(ctx, inst, fetchRequest(c, id))
	if err != nil {
		if errors.Is(err, backend.ErrSessionInvalid) {
			d.destroyInvalid(ctx, id)
		}
		return nil, err
	}

	if uses, ok := d.registry.Touch(id); ok && uses >= d.cfg.RecycleAfter {
		d.logger.Info("Recycling session",
			zap.String("session_id", id),
			zap.String("instance", inst.ID),
			zap.Int("uses", uses))
		d.destroyInBackground(id, session.ReasonRecycle)
	}

	resp.Session = id
	return resp, nil
}

func (d *Dispatcher) sessionFor(ctx context.Context, c Fetch) (instance.Instance, string, error) {
	if c.Session != "" {
		s, ok := d.registry.Get(c.Session)
		if !ok {
			return instance.Instance{}, "", fmt.Errorf("%w: session %s does not exist", backend.ErrSessionInvalid, c.Session)
		}
		return s.Instance, s.ID, nil
	}

	inst, err := d.pick(c.Instance)
	if err != nil {
		return instance.Instance{}, "", err
	}

	if reuseInst, id, ok := d.reusable(inst, c.Instance != ""); ok {
		return reuseInst, id, nil
	}

	id, err := d.allocate(ctx, inst, "")
	if err != nil {
		return instance.Instance{}, "", err
	}
	return inst, id, nil
}

// reusable prefers a session on the picked instance, then on any other
// healthy instance unless the caller pinned one.
func (d *Dispatcher) reusable(picked instance.Instance, pinned bool) (instance.Instance, string, bool) {
	if id, ok := d.registry.SelectForReuse(picked.ID, d.cfg.RecycleAfter); ok {
		return picked, id, true
	}
	if pinned {
		return instance.Instance{}, "", false
	}

	for _, st := range d.selector.Instances() {
		if st.ID == picked.ID || !st.Healthy {
			continue
		}
		if id, ok := d.registry.SelectForReuse(st.ID, d.cfg.RecycleAfter); ok {
			return st.Instance, id, true
		}
	}
	return instance.Instance{}, "", false
}

func (d *Dispatcher) createSession(ctx context.Context, c SessionCreate) (*types.Response, error) {
	inst, err := d.pick(c.Instance)
	if err != nil {
		return nil, err
	}

	id, err := d.allocate(ctx, inst, c.ID)
	if err != nil {
		return nil, err
	}

	return &types.Response{
		Status:  types.StatusOK,
		Message: msgSessionCreated,
		Session: id,
	}, nil
}

func (d *Dispatcher) destroySession(ctx context.Context, c SessionDestroy) (*types.Response, error) {
	if !d.registry.Destroy(ctx, c.ID, session.ReasonExplicit) {
		return nil, fmt.Errorf("%w: session %s does not exist", backend.ErrSessionInvalid, c.ID)
	}
	return &types.Response{
		Status:  types.StatusOK,
		Message: msgSessionDestroyed,
	}, nil
}

func (d *Dispatcher) listSessions() *types.Response {
	sessions := d.registry.List()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return &types.Response{
		Status:   types.StatusOK,
		Sessions: ids,
	}
}

// relay forwards commands the gateway does not interpret. A known session
// routes to its owning instance.
func (d *Dispatcher) relay(ctx context.Context, c Other) (*types.Response, error) {
	var (
		inst instance.Instance
		err  error
	)
	if s, ok := d.registry.Get(c.Request.Session); ok {
		inst = s.Instance
	} else if inst, err = d.pick(c.Request.Instance); err != nil {
		return nil, err
	}

	return d.call(ctx, inst, c.Request)
}

func (d *Dispatcher) pick(pin string) (instance.Instance, error) {
	if pin != "" {
		return d.selector.Pinned(pin)
	}
	return d.selector.Next()
}

// allocate creates a session through the limiter since it is a backend call
func (d *Dispatcher) allocate(ctx context.Context, inst instance.Instance, id string) (string, error) {
	var created string
	err := d.limiter.Do(ctx, func(ctx context.Context) error {
		var err error
		created, err = d.registry.Allocate(ctx, inst, id)
		return err
	})
	return created, err
}

func (d *Dispatcher) call(ctx context.Context, inst instance.Instance, req *types.Request) (*types.Response, error) {
	var resp *types.Response
	err := d.limiter.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		var err error
		resp, err = d.client.Call(ctx, inst, req)

		outcome := "ok"
		if err != nil {
			outcome = ErrorType(err)
		}
		d.metrics.RecordBackendCall(inst.ID, outcome, time.Since(start))
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) fromCache(ctx context.Context, fp fingerprint.Fingerprint) (*types.Response, bool) {
	data, ok, err := d.cache.Get(ctx, fp.Key)
	if err != nil {
		d.logger.Warn("Cache read failed, treating as miss",
			zap.String("fingerprint", fingerprint.Hash(fp.Key)),
			zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		d.logger.Warn("Cached result unreadable, treating as miss",
			zap.String("fingerprint", fingerprint.Hash(fp.Key)),
			zap.Error(err))
		return nil, false
	}

	return &types.Response{
		Status:    types.StatusOK,
		Message:   cached.Message,
		Solution:  cached.Solution,
		FromCache: true,
	}, true
}

func (d *Dispatcher) store(ctx context.Context, fp fingerprint.Fingerprint, resp *types.Response) {
	if resp.Solution == nil {
		return
	}

	data, err := json.Marshal(cachedResult{Message: resp.Message, Solution: resp.Solution})
	if err != nil {
		d.logger.Error("Failed to encode result for cache", zap.Error(err))
		return
	}

	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOperationTimeout)
	defer cancel()

	if err := d.cache.Set(cacheCtx, fp.Key, data, d.cfg.CacheTTL); err != nil {
		d.logger.Warn("Cache write failed",
			zap.String("fingerprint", fingerprint.Hash(fp.Key)),
			zap.Error(err))
	}
}

// destroyInvalid removes the session before the failure is returned so the
// next request cannot reuse it.
func (d *Dispatcher) destroyInvalid(ctx context.Context, id string) {
	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidDestroyTimeout)
	defer cancel()

	if d.registry.Destroy(destroyCtx, id, session.ReasonInvalid) {
		d.logger.Info("Destroyed invalid session", zap.String("session_id", id))
	}
}

// destroyInBackground keeps remote teardown off the response path.
// During shutdown it runs inline so Shutdown does not miss it.
func (d *Dispatcher) destroyInBackground(id, reason string) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		ctx, cancel := context.WithTimeout(d.bgCtx, backgroundDestroyTimeout)
		defer cancel()
		d.registry.Destroy(ctx, id, reason)
		return
	}
	d.background.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.background.Done()
		ctx, cancel := context.WithTimeout(d.bgCtx, backgroundDestroyTimeout)
		defer cancel()
		d.registry.Destroy(ctx, id, reason)
	}()
}

func (d *Dispatcher) failure(command string, err error) *types.Response {
	errorType := ErrorType(err)
	d.metrics.RecordError(errorType)

	fields := []zap.Field{
		zap.String("cmd", command),
		zap.String("error_type", errorType),
		zap.Error(err),
	}
	if errorType == types.ErrorTypeInvalidRequest {
		d.logger.Debug("Rejected request", fields...)
	} else {
		d.logger.Warn("Request failed", fields...)
	}

	return types.ErrorResponse(errorType, err.Error())
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// Shutdown rejects new commands and waits for background destroys.
// When ctx expires first the pending destroys are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.bgCancel()
		return nil
	case <-ctx.Done():
		d.bgCancel()
		<-done
		return ctx.Err()
	}
}

func fetchRequest(c Fetch, sessionID string) *types.Request {
	return &types.Request{
		Cmd:        types.CmdRequestGet,
		URL:        c.URL,
		Session:    sessionID,
		MaxTimeout: c.MaxTimeout.Milliseconds(),
		Params:     c.Params,
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, string, time.Duration)     {}
func (nopRecorder) RecordCacheHit(string)                           {}
func (nopRecorder) RecordCacheMiss(string)                          {}
func (nopRecorder) RecordBackendCall(string, string, time.Duration) {}
func (nopRecorder) RecordError(string)                              {}
