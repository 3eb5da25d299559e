package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/gateway/instance"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

const (
	commandPath = "/v1"
	healthPath  = "/health"
)

// Client is the only way the gateway talks to a challenge-solving instance
type Client interface {
	Call(ctx context.Context, inst instance.Instance, req *types.Request) (*types.Response, error)
	Health(ctx context.Context, inst instance.Instance) error
}

// FastHTTPClient speaks the FlareSolverr JSON protocol over fasthttp
type FastHTTPClient struct {
	maxTimeout time.Duration
	grace      time.Duration
	httpClient *fasthttp.Client
	logger     *zap.Logger
}

// NewFastHTTPClient bounds every call to the request's maxTimeout (or maxTimeout
// when unset) plus grace, further capped by the context deadline.
func NewFastHTTPClient(maxTimeout, grace time.Duration, logger *zap.Logger) *FastHTTPClient {
	return &FastHTTPClient{
		maxTimeout: maxTimeout,
		grace:      grace,
		httpClient: &fasthttp.Client{
			Name:                "solver-gateway",
			MaxIdleConnDuration: 30 * time.Second,
			MaxResponseBodySize: 64 << 20,
		},
		logger: logger,
	}
}

func (c *FastHTTPClient) Call(ctx context.Context, inst instance.Instance, req *types.Request) (*types.Response, error) {
	body, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(inst.Address + commandPath)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	deadline := c.deadline(ctx, req)
	start := time.Now()

	if err := c.do(ctx, httpReq, httpResp, deadline); err != nil {
		c.logger.Warn("Backend call failed",
			zap.String("instance", inst.ID),
			zap.String("cmd", req.Cmd),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, c.transportError(inst, err)
	}

	statusCode := httpResp.StatusCode()
	var resp types.Response
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		c.logger.Warn("Backend returned unparsable body",
			zap.String("instance", inst.ID),
			zap.Int("status", statusCode),
			zap.Error(err))
		return nil, &Error{
			Instance:   inst.ID,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("unparsable response: %v", err),
			kind:       ErrUnavailable,
		}
	}

	if statusCode < 200 || statusCode > 299 || !resp.IsOK() {
		message := resp.Message
		if message == "" {
			message = fmt.Sprintf("HTTP %d", statusCode)
		}
		c.logger.Debug("Backend returned error",
			zap.String("instance", inst.ID),
			zap.String("cmd", req.Cmd),
			zap.Int("status", statusCode),
			zap.String("message", message))
		return nil, &Error{
			Instance:   inst.ID,
			StatusCode: statusCode,
			Message:    message,
			kind:       classify(statusCode, message),
		}
	}

	c.logger.Debug("Backend call completed",
		zap.String("instance", inst.ID),
		zap.String("cmd", req.Cmd),
		zap.Duration("elapsed", time.Since(start)))

	return &resp, nil
}

// Health expects 200 from GET /health
func (c *FastHTTPClient) Health(ctx context.Context, inst instance.Instance) error {
	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(inst.Address + healthPath)
	httpReq.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(c.grace)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if err := c.do(ctx, httpReq, httpResp, deadline); err != nil {
		return c.transportError(inst, err)
	}
	if httpResp.StatusCode() != fasthttp.StatusOK {
		return &Error{
			Instance:   inst.ID,
			StatusCode: httpResp.StatusCode(),
			Message:    "health check failed",
			kind:       ErrUnavailable,
		}
	}
	return nil
}

// do runs the request until deadline or context cancellation, whichever is first
func (c *FastHTTPClient) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// an abandoned call keeps running until its deadline; it works on its own copies
	done := make(chan error, 1)
	reqCopy := fasthttp.AcquireRequest()
	req.CopyTo(reqCopy)
	respCopy := fasthttp.AcquireResponse()

	go func() {
		err := c.httpClient.DoDeadline(reqCopy, respCopy, deadline)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			respCopy.CopyTo(resp)
		}
		fasthttp.ReleaseRequest(reqCopy)
		fasthttp.ReleaseResponse(respCopy)
		return err
	case <-ctx.Done():
		go func() {
			<-done
			fasthttp.ReleaseRequest(reqCopy)
			fasthttp.ReleaseResponse(respCopy)
		}()
		return ctx.Err()
	}
}

func (c *FastHTTPClient) deadline(ctx context.Context, req *types.Request) time.Time {
	timeout := c.maxTimeout
	if req.MaxTimeout > 0 {
		timeout = time.Duration(req.MaxTimeout) * time.Millisecond
	}
	deadline := time.Now().Add(timeout + c.grace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *FastHTTPClient) transportError(inst instance.Instance, err error) error {
	switch {
	case errors.Is(err, fasthttp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Instance: inst.ID, Message: err.Error(), kind: ErrTimeout}
	default:
		return &Error{Instance: inst.ID, Message: err.Error(), kind: ErrUnavailable}
	}
}

// encodeRequest forwards raw bodies verbatim and strips gateway-only fields otherwise
func encodeRequest(req *types.Request) ([]byte, error) {
	if len(req.Raw) > 0 {
		return req.Raw, nil
	}

	out := *req
	out.Instance = ""
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode backend request: %w", err)
	}
	return body, nil
}
