// Package pantry provides the public API for the entity cache. It exposes
// the factory that wires the HTTP transport to the cache engine while
// keeping implementation details internal.
package pantry

import (
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/mesh-intelligence/pantry/internal/engine"
	"github.com/mesh-intelligence/pantry/internal/transport"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Version is the release version reported by the pantry binary.
const Version = "0.1.0"

type options struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	transport      types.Transport
	client         *http.Client
	updateMethod   string
	refetchOnError bool
	inflightJoin   bool
}

// Option configures a cache built by New.
type Option func(*options)

// WithLogger sets the logger shared by the engine and the transport.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the OpenTelemetry provider for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithTransport replaces the HTTP transport. BaseURL and Timeout are then
// ignored.
func WithTransport(t types.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPClient sets the client used by the default HTTP transport. The
// client's own timeout applies instead of Config.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithUpdateMethod sets the verb Update sends (PATCH by default).
func WithUpdateMethod(method string) Option {
	return func(o *options) { o.updateMethod = method }
}

// WithRefetchOnError makes FetchByID retry records cached in the error state.
func WithRefetchOnError() Option {
	return func(o *options) { o.refetchOnError = true }
}

// WithInflightJoin makes concurrent fetches of the same entity or collection
// share one request.
func WithInflightJoin() Option {
	return func(o *options) { o.inflightJoin = true }
}

// New validates cfg, builds a cache talking to cfg.BaseURL, and registers
// every type listed in cfg.Types.
//
// Example:
//
//	cache, err := pantry.New(types.Config{
//	    BaseURL: "http://localhost:8080",
//	    Types:   []types.TypeConfig{{Singular: "widget", Plural: "widgets", APIPrefix: "/api"}},
//	})
//	rec, err := cache.FetchByID(ctx, "widget", "42")
func New(cfg types.Config, opts ...Option) (types.Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := o.transport
	if t == nil {
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = types.DefaultBaseURL
		}
		topts := []transport.Option{transport.WithLogger(o.logger)}
		if o.client != nil {
			topts = append(topts, transport.WithClient(o.client))
		} else if cfg.Timeout > 0 {
			topts = append(topts, transport.WithTimeout(cfg.Timeout))
		}
		t = transport.New(baseURL, topts...)
	}

	eopts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithTracerProvider(o.tracerProvider),
		engine.WithUpdateMethod(o.updateMethod),
	}
	if o.refetchOnError {
		eopts = append(eopts, engine.WithRefetchOnError())
	}
	if o.inflightJoin {
		eopts = append(eopts, engine.WithInflightJoin())
	}
	e := engine.New(t, eopts...)
	if err := e.RegisterTypes(cfg.Types); err != nil {
		return nil, fmt.Errorf("registering types: %w", err)
	}
	return e, nil
}
