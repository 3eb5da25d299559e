package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/requestid"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
)

// Destroy reasons
const (
	ReasonRecycle  = "recycle"
	ReasonIdle     = "idle"
	ReasonExplicit = "explicit"
	ReasonInvalid  = "invalid"
	ReasonReset    = "reset"
	ReasonShutdown = "shutdown"
)

// teardownParallelism bounds concurrent remote destroys in bulk operations
const teardownParallelism = 8

// Remote creates and tears down sessions on a backend instance
type Remote interface {
	CreateSession(ctx context.Context, inst instance.Instance, id string) error
	DestroySession(ctx context.Context, inst instance.Instance, id string) error
}

// Observer is notified of lifecycle changes
type Observer interface {
	SessionCreated(instanceID string)
	SessionDestroyed(instanceID, reason string)
}

// Session is one browser context on one instance.
// A session never moves between instances.
type Session struct {
	ID         string            `json:"id"`
	Instance   instance.Instance `json:"instance"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastUsedAt time.Time         `json:"lastUsedAt"`
	UseCount   int               `json:"useCount"`

	// false until the remote create is confirmed
	ready bool
}

// Snapshot summarizes the registry for status reporting
type Snapshot struct {
	SessionCount int            `json:"sessionCount"`
	PerInstance  map[string]int `json:"perInstance"`
}

// Registry owns every live session. All state changes go through its methods
// under a single mutex; remote calls happen outside the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	remote   Remote
	clock    clock.Clock
	observer Observer
	logger   *zap.Logger
}

func NewRegistry(remote Remote, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		remote:   remote,
		clock:    clk,
		logger:   logger,
	}
}

// SetObserver registers a lifecycle observer. Call before serving traffic.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Allocate registers a session on inst and creates it remotely.
// An empty id generates one. On remote failure the local record is rolled back.
func (r *Registry) Allocate(ctx context.Context, inst instance.Instance, id string) (string, error) {
	if id == "" {
		id = requestid.NewSessionID()
	}

	now := r.clock.Now()
	s := &Session{ID: id, Instance: inst, CreatedAt: now, LastUsedAt: now}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if err := r.remote.CreateSession(ctx, inst, id); err != nil {
		r.mu.Lock()
		if r.sessions[id] == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()

		r.logger.Warn("Session create failed, rolled back",
			zap.String("session_id", id),
			zap.String("instance", inst.ID),
			zap.Error(err))
		return "", fmt.Errorf("%w on %s: %w", ErrCreateFailed, inst.ID, err)
	}

	r.mu.Lock()
	current := r.sessions[id]
	if current == s {
		s.ready = true
	}
	r.mu.Unlock()

	if current != s {
		// destroyed while the create was in flight; do not resurrect it
		r.teardown(ctx, inst, id)
		return "", fmt.Errorf("%w: %s", ErrDestroyedDuringCreate, id)
	}

	if r.observer != nil {
		r.observer.SessionCreated(inst.ID)
	}
	r.logger.Debug("Session allocated",
		zap.String("session_id", id),
		zap.String("instance", inst.ID))

	return id, nil
}

// Touch records one served request and returns the new use count.
// Unknown or not-yet-ready ids are ignored.
func (r *Registry) Touch(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.ready {
		return 0, false
	}
	s.UseCount++
	s.LastUsedAt = r.clock.Now()
	return s.UseCount, true
}

// SelectForReuse returns the least used ready session on instanceID with
// UseCount below maxUseCount. Ties go to the oldest session.
func (r *Registry) SelectForReuse(instanceID string, maxUseCount int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Session
	for _, s := range r.sessions {
		if !s.ready || s.Instance.ID != instanceID || s.UseCount >= maxUseCount {
			continue
		}
		if best == nil ||
			s.UseCount < best.UseCount ||
			(s.UseCount == best.UseCount && s.CreatedAt.Before(best.CreatedAt)) ||
			(s.UseCount == best.UseCount && s.CreatedAt.Equal(best.CreatedAt) && s.ID < best.ID) {
			best = s
		}
	}

	if best == nil {
		return "", false
	}
	return best.ID, true
}

// Destroy removes the session immediately, then tears it down remotely.
// Remote failures are logged and swallowed. Returns false for unknown ids.
func (r *Registry) Destroy(ctx context.Context, id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.destroyed(s, reason)
	if s.ready {
		r.teardown(ctx, s.Instance, id)
	}
	return true
}

// Expire destroys every ready session idle for longer than ttl at now
func (r *Registry) Expire(ctx context.Context, now time.Time, ttl time.Duration) []string {
	return r.destroyWhere(ctx, ReasonIdle, func(s *Session) bool {
		return s.ready && now.Sub(s.LastUsedAt) > ttl
	})
}

// DestroyAll destroys every session, including ones still being created
func (r *Registry) DestroyAll(ctx context.Context, reason string) []string {
	return r.destroyWhere(ctx, reason, func(*Session) bool { return true })
}

// DestroyInstance destroys every session owned by instanceID
func (r *Registry) DestroyInstance(ctx context.Context, instanceID, reason string) []string {
	return r.destroyWhere(ctx, reason, func(s *Session) bool { return s.Instance.ID == instanceID })
}

func (r *Registry) destroyWhere(ctx context.Context, reason string, match func(*Session) bool) []string {
	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if match(s) {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}

	ids := make([]string, 0, len(victims))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(teardownParallelism)
	for _, s := range victims {
		ids = append(ids, s.ID)
		r.destroyed(s, reason)
		if !s.ready {
			continue
		}
		s := s
		g.Go(func() error {
			r.teardown(gctx, s.Instance, s.ID)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(ids)
	r.logger.Info("Sessions destroyed",
		zap.String("reason", reason),
		zap.Int("count", len(ids)))

	return ids
}

func (r *Registry) destroyed(s *Session, reason string) {
	if r.observer != nil && s.ready {
		r.observer.SessionDestroyed(s.Instance.ID, reason)
	}
	r.logger.Debug("Session destroyed",
		zap.String("session_id", s.ID),
		zap.String("instance", s.Instance.ID),
		zap.String("reason", reason),
		zap.Int("use_count", s.UseCount))
}

func (r *Registry) teardown(ctx context.Context, inst instance.Instance, id string) {
	if err := r.remote.DestroySession(ctx, inst, id); err != nil {
		r.logger.Warn("Remote session teardown failed",
			zap.String("session_id", id),
			zap.String("instance", inst.ID),
			zap.Error(err))
	}
}

// Get returns a copy of a ready session
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.ready {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all ready sessions, oldest first
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.ready {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{PerInstance: make(map[string]int)}
	for _, s := range r.sessions {
		if s.ready {
			snap.SessionCount++
			snap.PerInstance[s.Instance.ID]++
		}
	}
	return snap
}
