package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgecomet/solver-gateway/internal/gateway/backend"
	"github.com/edgecomet/solver-gateway/internal/gateway/challenge"
	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
	"github.com/edgecomet/solver-gateway/internal/gateway/session"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

func TestErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid request", fmt.Errorf("%w: url is required", ErrInvalidRequest), types.ErrorTypeInvalidRequest},
		{"duplicate session", fmt.Errorf("%w: s1", session.ErrSessionExists), types.ErrorTypeInvalidRequest},
		{"no instances", instance.ErrNoInstances, types.ErrorTypeConfiguration},
		{"unknown pin", instance.ErrUnknownInstance, types.ErrorTypeConfiguration},
		{"shutting down", ErrShuttingDown, types.ErrorTypeShuttingDown},
		{"limiter closed", limiter.ErrClosed, types.ErrorTypeShuttingDown},
		{"session invalid", backend.ErrSessionInvalid, types.ErrorTypeSessionInvalid},
		{"backend timeout", backend.ErrTimeout, types.ErrorTypeBackendTimeout},
		{"deadline", context.DeadlineExceeded, types.ErrorTypeBackendTimeout},
		{"unavailable", backend.ErrUnavailable, types.ErrorTypeBackendUnavailable},
		{"create failed on unavailable backend", fmt.Errorf("%w on a: %w", session.ErrCreateFailed, backend.ErrUnavailable), types.ErrorTypeBackendUnavailable},
		{"create rejected", fmt.Errorf("%w on a: %w", session.ErrCreateFailed, backend.ErrRejected), types.ErrorTypeBackendError},
		{"challenge", challenge.ErrUnresolved, types.ErrorTypeChallengeUnresolved},
		{"other", errors.New("boom"), types.ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorType(tt.err))
		})
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(&types.Request{
		Cmd:        types.CmdRequestGet,
		URL:        "https://example.com",
		MaxTimeout: 1500,
		Params:     map[string]string{"lang": "en"},
	})
	assert.NoError(t, err)
	assert.Equal(t, Fetch{
		URL:        "https://example.com",
		Params:     map[string]string{"lang": "en"},
		MaxTimeout: 1500 * time.Millisecond,
	}, cmd)

	cmd, err = ParseCommand(&types.Request{Cmd: "request.post", URL: "https://example.com"})
	assert.NoError(t, err)
	assert.IsType(t, Other{}, cmd)
	assert.Equal(t, "request.post", cmd.Name())

	cmd, err = ParseCommand(&types.Request{Cmd: types.CmdSessionsList})
	assert.NoError(t, err)
	assert.Equal(t, SessionList{}, cmd)
}

func TestParseCommand_SessionID(t *testing.T) {
	tests := []struct {
		name    string
		req     *types.Request
		wantErr bool
	}{
		{"get without session", &types.Request{Cmd: types.CmdRequestGet, URL: "https://example.com"}, false},
		{"get with valid session", &types.Request{Cmd: types.CmdRequestGet, URL: "https://example.com", Session: "sess-1"}, false},
		{"get with malformed session", &types.Request{Cmd: types.CmdRequestGet, URL: "https://example.com", Session: "bad id!"}, true},
		{"create with generated id", &types.Request{Cmd: types.CmdSessionsCreate}, false},
		{"create with valid id", &types.Request{Cmd: types.CmdSessionsCreate, Session: "client:42"}, false},
		{"create with malformed id", &types.Request{Cmd: types.CmdSessionsCreate, Session: "a/b"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.req)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), "invalid session id")
		})
	}
}
