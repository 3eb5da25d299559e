package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/clock"
	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/common/httputil"
	"github.com/edgecomet/solver-gateway/internal/common/requestid"
	"github.com/edgecomet/solver-gateway/internal/gateway/browser"
	"github.com/edgecomet/solver-gateway/internal/gateway/cache"
	"github.com/edgecomet/solver-gateway/internal/gateway/cleanup"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

const (
	PathCommand = "/v1"
	PathHealth  = "/health"
	PathStats   = "/stats"
	PathCleanup = "/cleanup"
	PathRestart = "/restart"
	PathIndex   = "/"

	maintenanceTimeout = 2 * time.Minute
)

// Dispatcher executes one protocol command
type Dispatcher interface {
	Handle(ctx context.Context, req *types.Request) *types.Response
}

// Maintenance triggers cleanup and full resets
type Maintenance interface {
	RunOnce(ctx context.Context) cleanup.Report
	Reset(ctx context.Context) (cleanup.Report, error)
}

// BrowserStats reports the local Chrome pool in browser mode
type BrowserStats interface {
	Stats() browser.PoolStats
}

// HealthProbe checks an external dependency such as Redis
type HealthProbe interface {
	HealthCheck(ctx context.Context) error
}

type Deps struct {
	Dispatcher  Dispatcher
	Registry    *session.Registry
	Selector    *instance.Selector
	Cache       cache.Store
	Limiter     *limiter.Limiter
	Maintenance Maintenance
	Memory      *cleanup.MemoryMonitor // nil when the memory check is disabled
	Browser     BrowserStats           // nil in remote mode
	Redis       HealthProbe            // nil unless the cache lives in Redis
	Clock       clock.Clock
}

type Options struct {
	Version    string
	Mode       string
	SampleKeys int
	Timeout    time.Duration
}

// Server is the HTTP front door: the command endpoint plus status and maintenance routes
type Server struct {
	deps      Deps
	opts      Options
	cfg       configtypes.ServerConfig
	routes    map[string]map[string]fasthttp.RequestHandler // method -> path -> handler
	server    *fasthttp.Server
	listener  net.Listener
	logger    *zap.Logger
	startTime time.Time
}

func New(cfg configtypes.ServerConfig, opts Options, deps Deps, logger *zap.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &Server{
		deps:      deps,
		opts:      opts,
		cfg:       cfg,
		routes:    make(map[string]map[string]fasthttp.RequestHandler),
		logger:    logger,
		startTime: deps.Clock.Now(),
	}

	s.register(fasthttp.MethodPost, PathCommand, s.handleCommand)
	s.register(fasthttp.MethodGet, PathHealth, s.handleHealth)
	s.register(fasthttp.MethodGet, PathStats, s.handleStats)
	s.register(fasthttp.MethodPost, PathCleanup, s.handleCleanup)
	s.register(fasthttp.MethodPost, PathRestart, s.handleRestart)
	s.register(fasthttp.MethodGet, PathIndex, s.handleIndex)
	return s
}

func (s *Server) register(method, path string, handler fasthttp.RequestHandler) {
	if s.routes[method] == nil {
		s.routes[method] = make(map[string]fasthttp.RequestHandler)
	}
	s.routes[method][path] = handler
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln

	s.server = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "SolverGateway",
		ReadTimeout:           s.opts.Timeout,
		WriteTimeout:          s.opts.Timeout,
		MaxRequestBodySize:    s.cfg.MaxBodySize,
		NoDefaultServerHeader: true,
		TCPKeepalive:          true,
		TCPKeepalivePeriod:    30 * time.Second,
	}

	go func() {
		s.logger.Info("Gateway server listening",
			zap.String("listen", ln.Addr().String()),
			zap.String("mode", s.opts.Mode))
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("Gateway server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down gateway server")
	return s.server.ShutdownWithContext(ctx)
}

// Handler returns the routing request handler
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		path := string(ctx.Path())

		if handler, ok := s.routes[method][path]; ok {
			handler(ctx)
			return
		}

		// 405 when the path exists for another method
		for _, methodRoutes := range s.routes {
			if _, ok := methodRoutes[path]; ok {
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
				return
			}
		}
		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) handleCommand(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	var req types.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Warn("Malformed command body", zap.Error(err))
		resp := types.ErrorResponse(types.ErrorTypeInvalidRequest, fmt.Sprintf("Request body is not valid JSON: %v", err))
		httputil.WriteJSON(ctx, resp, fasthttp.StatusBadRequest)
		return
	}
	// The body buffer is reused after the handler returns
	req.Raw = append(json.RawMessage(nil), body...)

	logger := s.logger.With(
		zap.String("request_id", requestid.GenerateRequestID(string(ctx.Request.Header.Peek("X-Request-ID")))),
		zap.String("cmd", req.Cmd))
	logger.Debug("Command received", zap.String("url", req.URL), zap.String("session_id", req.Session))

	resp := s.deps.Dispatcher.Handle(ctx, &req)

	status := fasthttp.StatusOK
	if !resp.IsOK() {
		status = fasthttp.StatusInternalServerError
		logger.Info("Command failed",
			zap.String("error_type", resp.ErrorType),
			zap.String("message", resp.Message),
			zap.Int64("elapsed", resp.Elapsed))
	}
	resp.Version = s.opts.Version
	httputil.WriteJSON(ctx, resp, status)
}

// HealthReport is the /health payload
type HealthReport struct {
	Status    string             `json:"status"`
	Version   string             `json:"version"`
	Mode      string             `json:"mode"`
	Uptime    string             `json:"uptime"`
	Instances []instance.Status  `json:"instances"`
	Sessions  session.Snapshot   `json:"sessions"`
	CacheSize int                `json:"cacheSize"`
	Memory    *MemoryReport      `json:"memory,omitempty"`
	Browser   *browser.PoolStats `json:"browser,omitempty"`
	Redis     string             `json:"redis,omitempty"`
}

type MemoryReport struct {
	UsedMB      uint64 `json:"usedMB"`
	ThresholdMB uint64 `json:"thresholdMB"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	report := HealthReport{
		Status:    "ok",
		Version:   s.opts.Version,
		Mode:      s.opts.Mode,
		Uptime:    s.deps.Clock.Now().Sub(s.startTime).Round(time.Second).String(),
		Instances: s.deps.Selector.Instances(),
		Sessions:  s.deps.Registry.Snapshot(),
	}

	healthy := 0
	for _, st := range report.Instances {
		if st.Healthy {
			healthy++
		}
	}
	if healthy == 0 {
		report.Status = "degraded"
	}

	snap, err := s.deps.Cache.Snapshot(ctx, 0)
	if err != nil {
		s.logger.Warn("Cache snapshot failed", zap.Error(err))
		report.Status = "degraded"
	}
	report.CacheSize = snap.Size

	if s.deps.Memory != nil {
		used, err := s.deps.Memory.UsedMB()
		if err != nil {
			s.logger.Warn("Memory read failed", zap.Error(err))
		} else {
			report.Memory = &MemoryReport{UsedMB: used, ThresholdMB: s.deps.Memory.ThresholdMB()}
		}
	}
	if s.deps.Browser != nil {
		stats := s.deps.Browser.Stats()
		report.Browser = &stats
	}
	if s.deps.Redis != nil {
		report.Redis = "ok"
		if err := s.deps.Redis.HealthCheck(ctx); err != nil {
			s.logger.Warn("Redis health check failed", zap.Error(err))
			report.Redis = "unreachable"
			report.Status = "degraded"
		}
	}

	httputil.WriteJSON(ctx, report, fasthttp.StatusOK)
}

// SessionStat is one session line of /stats
type SessionStat struct {
	ID         string  `json:"id"`
	Instance   string  `json:"instance"`
	AgeSeconds float64 `json:"ageSeconds"`
	IdleFor    float64 `json:"idleSeconds"`
	Uses       int     `json:"uses"`
}

// StatsReport is the /stats payload
type StatsReport struct {
	Sessions     []SessionStat    `json:"sessions"`
	SessionCount session.Snapshot `json:"sessionCounts"`
	Cache        cache.Snapshot   `json:"cache"`
	Limiter      limiter.Stats    `json:"limiter"`
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	now := s.deps.Clock.Now()

	sessions := s.deps.Registry.List()
	report := StatsReport{
		Sessions:     make([]SessionStat, 0, len(sessions)),
		SessionCount: s.deps.Registry.Snapshot(),
		Limiter:      s.deps.Limiter.Stats(),
	}
	for _, sess := range sessions {
		report.Sessions = append(report.Sessions, SessionStat{
			ID:         sess.ID,
			Instance:   sess.Instance.ID,
			AgeSeconds: now.Sub(sess.CreatedAt).Seconds(),
			IdleFor:    now.Sub(sess.LastUsedAt).Seconds(),
			Uses:       sess.UseCount,
		})
	}

	snap, err := s.deps.Cache.Snapshot(ctx, s.opts.SampleKeys)
	if err != nil {
		s.logger.Warn("Cache snapshot failed", zap.Error(err))
	}
	report.Cache = snap

	httputil.WriteJSON(ctx, report, fasthttp.StatusOK)
}

func (s *Server) handleCleanup(ctx *fasthttp.RequestCtx) {
	runCtx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	report := s.deps.Maintenance.RunOnce(runCtx)
	httputil.JSONData(ctx, "Cleanup completed", report, fasthttp.StatusOK)
}

func (s *Server) handleRestart(ctx *fasthttp.RequestCtx) {
	runCtx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	report, err := s.deps.Maintenance.Reset(runCtx)
	if err != nil {
		s.logger.Error("Manual reset failed", zap.Error(err))
		httputil.JSONResponse(ctx, false, fmt.Sprintf("Reset failed: %v", err), report, fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSONData(ctx, "Reset completed", report, fasthttp.StatusOK)
}

func (s *Server) handleIndex(ctx *fasthttp.RequestCtx) {
	snap := s.deps.Registry.Snapshot()
	stats := s.deps.Limiter.Stats()

	healthy := 0
	instances := s.deps.Selector.Instances()
	for _, st := range instances {
		if st.Healthy {
			healthy++
		}
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprintf(ctx, "solver-gateway %s (%s mode)\n", s.opts.Version, s.opts.Mode)
	fmt.Fprintf(ctx, "uptime: %s\n", s.deps.Clock.Now().Sub(s.startTime).Round(time.Second))
	fmt.Fprintf(ctx, "instances: %d/%d healthy\n", healthy, len(instances))
	fmt.Fprintf(ctx, "sessions: %d\n", snap.SessionCount)
	fmt.Fprintf(ctx, "in flight: %d/%d, queued: %d\n", stats.InFlight, stats.Capacity, stats.Queued)
	fmt.Fprintf(ctx, "endpoints: POST %s, GET %s, GET %s, POST %s, POST %s\n",
		PathCommand, PathHealth, PathStats, PathCleanup, PathRestart)
}
