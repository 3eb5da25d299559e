package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

// startFakeSolver serves handler on a random local port
func startFakeSolver(t *testing.T, handler fasthttp.RequestHandler) instance.Instance {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return instance.Instance{ID: "fake", Address: "http://" + ln.Addr().String()}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, _ := json.Marshal(v)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func TestCallSuccess(t *testing.T) {
	var got types.Request
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/v1", string(ctx.Path()))
		_ = json.Unmarshal(ctx.PostBody(), &got)
		writeJSON(ctx, 200, types.Response{
			Status:   types.StatusOK,
			Solution: &types.Solution{URL: "https://example.com/a", Status: 200, Response: "<html>ok</html>"},
		})
	})

	c := NewFastHTTPClient(5*time.Second, time.Second, zap.NewNop())
	resp, err := c.Call(context.Background(), inst, &types.Request{
		Cmd:      types.CmdRequestGet,
		URL:      "https://example.com/a",
		Instance: "fake",
	})
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
	assert.Equal(t, "<html>ok</html>", resp.Solution.Response)
	assert.Equal(t, types.CmdRequestGet, got.Cmd)
	assert.Empty(t, got.Instance, "gateway-only field is not forwarded")
}

func TestCallForwardsRawBody(t *testing.T) {
	var body string
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		body = string(ctx.PostBody())
		writeJSON(ctx, 200, types.Response{Status: types.StatusOK})
	})

	raw := []byte(`{"cmd":"request.post","url":"https://example.com","postData":"a=1","custom":true}`)
	c := NewFastHTTPClient(5*time.Second, time.Second, zap.NewNop())
	_, err := c.Call(context.Background(), inst, &types.Request{Cmd: types.CmdRequestPost, Raw: raw})
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), body)
}

func TestCallErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		message  string
		wantKind error
	}{
		{"unknown session", 500, "Error: This session doesn't exist.", ErrSessionInvalid},
		{"session not found", 200, "Session not found", ErrSessionInvalid},
		{"challenge timeout", 500, "Error solving the challenge. Timeout after 60.0 seconds.", ErrTimeout},
		{"server error", 503, "overloaded", ErrUnavailable},
		{"rejected with ok status", 200, "Request parameter 'url' is mandatory", ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
				writeJSON(ctx, tt.status, types.Response{Status: types.StatusError, Message: tt.message})
			})

			c := NewFastHTTPClient(5*time.Second, time.Second, zap.NewNop())
			_, err := c.Call(context.Background(), inst, &types.Request{Cmd: types.CmdRequestGet, URL: "https://x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, "fake", be.Instance)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, tt.message, be.Message)
		})
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		<-release
		writeJSON(ctx, 200, types.Response{Status: types.StatusOK})
	})
	defer close(release)

	c := NewFastHTTPClient(100*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	start := time.Now()
	_, err := c.Call(context.Background(), inst, &types.Request{Cmd: types.CmdRequestGet, URL: "https://slow"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCallContextCancelled(t *testing.T) {
	release := make(chan struct{})
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewFastHTTPClient(10*time.Second, time.Second, zap.NewNop())
	_, err := c.Call(ctx, inst, &types.Request{Cmd: types.CmdRequestGet, URL: "https://slow"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCallConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewFastHTTPClient(time.Second, time.Second, zap.NewNop())
	_, err = c.Call(context.Background(), instance.Instance{ID: "gone", Address: "http://" + addr}, &types.Request{Cmd: types.CmdRequestGet})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestCallUnparsableBody(t *testing.T) {
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("<html>proxy error</html>")
	})

	c := NewFastHTTPClient(time.Second, time.Second, zap.NewNop())
	_, err := c.Call(context.Background(), inst, &types.Request{Cmd: types.CmdRequestGet})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHealth(t *testing.T) {
	var mu sync.Mutex
	healthy := true
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		mu.Lock()
		defer mu.Unlock()
		if string(ctx.Path()) != "/health" || !healthy {
			ctx.SetStatusCode(500)
			return
		}
		ctx.SetBodyString(`{"msg":"FlareSolverr is ready!"}`)
	})

	c := NewFastHTTPClient(time.Second, time.Second, zap.NewNop())
	assert.NoError(t, c.Health(context.Background(), inst))

	mu.Lock()
	healthy = false
	mu.Unlock()
	assert.ErrorIs(t, c.Health(context.Background(), inst), ErrUnavailable)
}

func TestSessionRemote(t *testing.T) {
	var mu sync.Mutex
	var cmds []string
	inst := startFakeSolver(t, func(ctx *fasthttp.RequestCtx) {
		var req types.Request
		_ = json.Unmarshal(ctx.PostBody(), &req)
		mu.Lock()
		cmds = append(cmds, req.Cmd+":"+req.Session)
		mu.Unlock()
		if req.Session == "mismatch" {
			writeJSON(ctx, 200, types.Response{Status: types.StatusOK, Session: "other"})
			return
		}
		writeJSON(ctx, 200, types.Response{Status: types.StatusOK, Session: req.Session})
	})

	remote := NewSessionRemote(NewFastHTTPClient(time.Second, time.Second, zap.NewNop()))
	ctx := context.Background()

	require.NoError(t, remote.CreateSession(ctx, inst, "s1"))
	require.NoError(t, remote.DestroySession(ctx, inst, "s1"))
	assert.ErrorIs(t, remote.CreateSession(ctx, inst, "mismatch"), ErrRejected)

	assert.Equal(t, []string{"sessions.create:s1", "sessions.destroy:s1", "sessions.create:mismatch"}, cmds)
}
