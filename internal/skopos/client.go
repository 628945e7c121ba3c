// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skopos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/telemetry"
	"github.com/AleutianAI/skopos-adjust/pkg/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRequestTimeout bounds a single orchestrator call.
const DefaultRequestTimeout = 30 * time.Second

// RequestIDHeader carries a per-request uuid for log correlation.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Client implements Service over the orchestrator's HTTP API.
//
// # Description
//
// Each call builds a request under /v1/deploy/{app}, tags it with a fresh
// X-Request-ID and the caller's trace context, and maps the response status
// onto the package's error contract. Client holds no per-deployment state
// and is safe for concurrent use.
//
// # Thread Safety
//
// Safe for concurrent use. The interrupt handler shares one Client with
// the lifecycle monitor.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *telemetry.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the instruments used to record calls.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client for the orchestrator at address.
//
// An address without a scheme is treated as http. Trailing slashes are
// dropped.
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    NormalizeAddress(address),
		httpClient: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized orchestrator address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NormalizeAddress prepends http:// when address has no scheme and trims
// trailing slashes.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return strings.TrimRight(address, "/")
}

var _ Service = (*Client)(nil)

// -----------------------------------------------------------------------------
// Service Methods
// -----------------------------------------------------------------------------

// FetchEffectiveEnvironment implements Service.
func (c *Client) FetchEffectiveEnvironment(ctx context.Context, app string) (Environment, error) {
	var env Environment
	if err := c.do(ctx, "fetch_environment", http.MethodGet, c.endpoint(app, "environment", nil), app, nil, &env); err != nil {
		return Environment{}, err
	}
	if env.Vars == nil {
		env.Vars = map[string]string{}
	}
	return env, nil
}

// FetchDeploymentState implements Service.
func (c *Client) FetchDeploymentState(ctx context.Context, app string, after Docver) (StateResponse, error) {
	var query url.Values
	if after != "" {
		query = url.Values{"docver": []string{string(after)}}
	}
	var resp StateResponse
	if err := c.do(ctx, "fetch_state", http.MethodGet, c.endpoint(app, "state", query), app, nil, &resp); err != nil {
		return StateResponse{}, err
	}
	return resp, nil
}

// InitializeDeployment implements Service.
func (c *Client) InitializeDeployment(ctx context.Context, app string, req InitRequest) error {
	if req.Models == nil {
		req.Models = []File{}
	}
	if req.TEDs == nil {
		req.TEDs = []File{}
	}
	return c.do(ctx, "init", http.MethodPost, c.endpoint(app, "init", nil), app, req, nil)
}

// ControlDeployment implements Service.
func (c *Client) ControlDeployment(ctx context.Context, app string, action Action, opts ControlOptions) error {
	return c.do(ctx, string(action), http.MethodPost, c.endpoint(app, string(action), nil), app, opts, nil)
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func (c *Client) endpoint(app, verb string, query url.Values) string {
	u := c.baseURL + "/v1/deploy/" + url.PathEscape(app) + "/" + verb
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one round trip, decoding a 2xx body into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, operation, method, target, app string, body, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "skopos."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("skopos.app", app),
			attribute.String("http.method", method),
		))
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordRemote(ctx, operation, status, time.Since(start))
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanOK(span)
		}
	}()

	var reader io.Reader
	if body != nil {
		payload, mErr := json.Marshal(body)
		if mErr != nil {
			return fmt.Errorf("encode %s request: %w", operation, mErr)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	telemetry.InjectContext(ctx, req.Header)

	c.logger.Debug("orchestrator request",
		"operation", operation,
		"method", method,
		"url", target,
		"request_id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := errorMessage(resp.Body)
		c.logger.Warn("orchestrator rejected request",
			"operation", operation,
			"status", resp.StatusCode,
			"request_id", requestID,
			"message", msg)
		return apperr.API("%s for %q rejected (%d): %s", operation, app, resp.StatusCode, msg)

	default:
		msg := errorMessage(resp.Body)
		return fmt.Errorf("%s for %q: orchestrator returned status %d: %s", operation, app, resp.StatusCode, msg)
	}
}

// errorMessage extracts "error" or "message" from a JSON body, or returns the
// trimmed text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "no details"
	}
	return text
}
