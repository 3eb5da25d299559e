package metricsserver

import (
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// Handler serves the metrics exposition
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Server exposes Prometheus metrics on a dedicated port
type Server struct {
	srv      *fasthttp.Server
	listener net.Listener
	logger   *zap.Logger
}

// Start binds the metrics listener and serves in the background.
// Returns nil, nil when metrics are disabled.
func Start(cfg configtypes.MetricsConfig, handler Handler, logger *zap.Logger) (*Server, error) {
	if !cfg.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", cfg.Listen, err)
	}

	s := &Server{
		srv: &fasthttp.Server{
			Handler:            NewHandler(cfg.Path, handler),
			Name:               "SolverGateway-Metrics",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxRequestBodySize: 1 * 1024,
			TCPKeepalive:       true,
			TCPKeepalivePeriod: 30 * time.Second,
			MaxConnsPerIP:      100,
			Concurrency:        100,
		},
		listener: ln,
		logger:   logger,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", ln.Addr().String()),
			zap.String("path", cfg.Path))

		if err := s.srv.Serve(ln); err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	return s, nil
}

// Addr is the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// NewHandler routes metricsPath to the collector and 404s everything else
func NewHandler(metricsPath string, collector Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == metricsPath {
			collector.ServeHTTP(ctx)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
