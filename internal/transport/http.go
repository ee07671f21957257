// Package transport implements types.Transport over net/http.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/pantry/internal/logging"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// HeaderRequestID carries a per-request UUID v7 so client and backend logs
// can be correlated.
const HeaderRequestID = "X-Request-ID"

// HTTP sends requests to a backend rooted at a base URL.
type HTTP struct {
	baseURL string
	client  *http.Client
	header  http.Header
	logger  *slog.Logger
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithClient replaces the underlying http.Client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout sets the client timeout. Zero leaves requests unbounded. The
// timeout is set on a copy, so a client passed to WithClient is not changed.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		c := *h.client
		c.Timeout = d
		h.client = &c
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(h *HTTP) {
		h.header.Add(key, value)
	}
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// New returns a transport for baseURL. Request paths are appended to it
// verbatim, so a trailing slash on baseURL is dropped.
func New(baseURL string, opts ...Option) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		header:  make(http.Header),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Do sends req and reads the whole response body. It returns an error only
// when the request could not be built or no response arrived.
func (h *HTTP) Do(ctx context.Context, req types.Request) (*types.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, h.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	requestID := newRequestID()
	httpReq.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.Debug("request failed", "method", method, "path", req.Path, "request_id", requestID, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	h.logger.Debug("request done",
		"method", method,
		"path", req.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	return &types.Response{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Body:       data,
	}, nil
}

// statusText returns the reason phrase of resp.Status ("404 Not Found"
// yields "Not Found"), falling back to the standard text for the code.
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

var _ types.Transport = (*HTTP)(nil)
