// Package gateway is the single egress point for calls to the dashboard
// backend. It attaches the device identifier header to every request and
// returns typed failures; it never retries, throttles or caches.
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

	"github.com/rs/zerolog/log"
)

// DeviceIDHeader carries the stable device identifier on every backend call.
const DeviceIDHeader = "X-Device-Id"

// maxResponseBody caps how much of a backend response is retained for
// error classification.
const maxResponseBody = 1 << 20

// DeviceIDSource yields the current device identifier, creating it if
// storage allows. ok is false when no identifier can be established.
type DeviceIDSource interface {
	EnsureDeviceID(ctx context.Context) (id string, ok bool)
}

// Gateway invokes named backend functions with JSON request/response bodies.
type Gateway struct {
	base    string
	client  *http.Client
	devices DeviceIDSource
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// New creates a Gateway for the functions base URL. devices may be nil for
// callers that have no device identity at all (the header is then omitted).
func New(baseURL string, devices DeviceIDSource, opts ...Option) *Gateway {
	g := &Gateway{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		devices: devices,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke POSTs in (nil means an empty object) to the named function and
// decodes the response into out when out is non-nil. Failed calls return a
// *CallError; classification is left to the caller.
func (g *Gateway) Invoke(ctx context.Context, name string, in, out any) error {
	payload := []byte("{}")
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("invoke %s: encode request: %w", name, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invoke %s: build request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.devices != nil {
		if id, ok := g.devices.EnsureDeviceID(ctx); ok {
			req.Header.Set(DeviceIDHeader, id)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &CallError{Func: name, cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &CallError{Func: name, Status: resp.StatusCode, Header: resp.Header, cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Ctx(ctx).Debug().
			Str("function", name).
			Int("status", resp.StatusCode).
			Msg("backend call failed")
		return &CallError{Func: name, Status: resp.StatusCode, Header: resp.Header, Body: body}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("invoke %s: decode response: %w", name, err)
		}
	}
	return nil
}

// CallError describes a failed backend invocation. Status is zero for
// transport-level failures, in which case Header and Body are unset.
type CallError struct {
	Func   string
	Status int
	Header http.Header
	Body   []byte
	cause  error
}

func (e *CallError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invoke %s: %v", e.Func, e.cause)
	}
	return fmt.Sprintf("invoke %s: backend returned status %d", e.Func, e.Status)
}

func (e *CallError) Unwrap() error { return e.cause }

// BackendMessage returns the error string from the response body, if the
// backend supplied one in the uniform {"error": "..."} envelope.
func (e *CallError) BackendMessage() string {
	if len(e.Body) == 0 {
		return ""
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &envelope); err != nil {
		return ""
	}
	return envelope.Error
}

// ErrorMessage extracts a user-facing message from any gateway failure:
// the backend-supplied message when present, then the transport error,
// then the given fallback.
func ErrorMessage(err error, fallback string) string {
	var callErr *CallError
	if errors.As(err, &callErr) {
		if msg := callErr.BackendMessage(); msg != "" {
			return msg
		}
		if callErr.cause != nil {
			return callErr.cause.Error()
		}
		return fallback
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
