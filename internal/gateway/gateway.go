// Package gateway is the typed client for the vendor application's HTTP API.
//
// All routes live under {endpoint}/api/{Service}/{Endpoint}. Each call takes a
// context, is bounded by the gateway's per-call timeout and is never retried
// here; retry policy belongs to the caller. A Gateway is immutable after
// construction and safe for concurrent use by the orchestrator and the popup
// monitor.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	defaultBurst   = 5

	// maxErrorBody bounds how much of a failed response is kept in the error message.
	maxErrorBody = 512
)

// Options configures a Gateway.
type Options struct {
	// Timeout bounds each call. Zero means 15s.
	Timeout time.Duration

	// RequestsPerSecond caps the request rate. Zero disables limiting.
	RequestsPerSecond int

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Gateway talks to one vendor application instance.
type Gateway struct {
	endpoint string
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New returns a Gateway for the application at endpoint (e.g. http://localhost:5001).
func New(endpoint string, opts Options) *Gateway {
	endpoint = strings.TrimRight(endpoint, "/")
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), defaultBurst)
	}
	return &Gateway{
		endpoint: endpoint,
		baseURL:  endpoint + "/api",
		client:   client,
		timeout:  timeout,
		limiter:  limiter,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// WithTimeout returns a copy of g with a different per-call timeout.
// The copy shares the HTTP client and rate limiter.
func (g *Gateway) WithTimeout(d time.Duration) *Gateway {
	clone := *g
	if d > 0 {
		clone.timeout = d
	}
	return &clone
}

// Endpoint returns the application base URL without the /api suffix.
func (g *Gateway) Endpoint() string {
	return g.endpoint
}

// Timeout returns the per-call timeout.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// Close drops the client's idle keep-alive connections. In-flight calls are
// unaffected and the Gateway stays usable.
func (g *Gateway) Close() {
	g.client.CloseIdleConnections()
}

// APIError is returned for any non-2xx response, transport failure or timeout.
type APIError struct {
	Endpoint   string // Service/Endpoint, e.g. "App/GetAppState"
	StatusCode int    // 0 when no response was received
	Message    string
	TimedOut   bool
	Cause      error
}

func (e *APIError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out", e.Endpoint)
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// Code maps the failure to a stable error code.
func (e *APIError) Code() string {
	switch {
	case e.TimedOut:
		return apperrors.CodeAPITimeout
	case e.StatusCode > 0:
		return apperrors.CodeAPIBadStatus
	default:
		return apperrors.CodeAPIRequestFailed
	}
}

// Coded converts err to a CodedError, preserving the APIError as its cause.
func Coded(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apperrors.Wrap(apiErr.Code(), apiErr.Error(), err)
	}
	return err
}

// do sends one request and returns the raw response body.
func (g *Gateway) do(ctx context.Context, method, route string, body any) ([]byte, error) {
	start := time.Now()
	payload, err := g.send(ctx, method, route, body)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.TimedOut {
			outcome = "timeout"
		}
	}
	g.metrics.ObserveRequest(route, outcome, time.Since(start))
	g.logger.Debug("request",
		zap.String("method", method),
		zap.String("route", route),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return payload, err
}

func (g *Gateway) send(ctx context.Context, method, route string, body any) ([]byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &APIError{Endpoint: route, Message: "rate limiter: " + err.Error(), Cause: err}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, &APIError{Endpoint: route, Message: "encode request body", Cause: err}
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(reqCtx, method, g.baseURL+"/"+route, reqBody)
	if err != nil {
		return nil, &APIError{Endpoint: route, Message: err.Error(), Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return nil, &APIError{Endpoint: route, Message: err.Error(), TimedOut: timedOut, Cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return nil, &APIError{Endpoint: route, StatusCode: resp.StatusCode, Message: "read body", TimedOut: timedOut, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(payload))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &APIError{Endpoint: route, StatusCode: resp.StatusCode, Message: msg}
	}
	return payload, nil
}

// getJSON decodes a successful response into out.
func (g *Gateway) getJSON(ctx context.Context, method, route string, body, out any) error {
	payload, err := g.do(ctx, method, route, body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &APIError{Endpoint: route, Message: "decode response: " + err.Error(), Cause: err}
	}
	return nil
}
