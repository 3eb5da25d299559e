package dispatcher

import (
	"context"
	"errors"

	"github.com/edgecomet/solver-gateway/internal/gateway/backend"
	"github.com/edgecomet/solver-gateway/internal/gateway/challenge"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

var (
	// ErrInvalidRequest is returned for malformed commands
	ErrInvalidRequest = errors.New("invalid request")
	// ErrShuttingDown is returned once Shutdown has started
	ErrShuttingDown = errors.New("gateway is shutting down")
)

// ErrorType maps an error to the client-facing classification.
// Backend kinds are checked before session wrappers so a failed create
// reports why the backend failed.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, session.ErrSessionExists):
		return types.ErrorTypeInvalidRequest
	case errors.Is(err, instance.ErrConfiguration):
		return types.ErrorTypeConfiguration
	case errors.Is(err, ErrShuttingDown), errors.Is(err, limiter.ErrClosed):
		return types.ErrorTypeShuttingDown
	case errors.Is(err, backend.ErrSessionInvalid), errors.Is(err, session.ErrDestroyedDuringCreate):
		return types.ErrorTypeSessionInvalid
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrorTypeBackendTimeout
	case errors.Is(err, backend.ErrUnavailable):
		return types.ErrorTypeBackendUnavailable
	case errors.Is(err, challenge.ErrUnresolved):
		return types.ErrorTypeChallengeUnresolved
	case errors.Is(err, backend.ErrRejected), errors.Is(err, session.ErrCreateFailed):
		return types.ErrorTypeBackendError
	default:
		return types.ErrorTypeInternal
	}
}
