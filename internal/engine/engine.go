// Package engine implements the pantry entity cache: the per-type registry,
// the fetch/create/update/delete/reload state machine for each entity, and
// side-loading of related types from response payloads.
//
// Every container write is an atomic read-modify-write on the type's
// reactive.Writable, so observers never see a torn mapping. Requests are
// issued outside any lock. For one entity the last write wins; responses
// that complete out of order are not reconciled.
package engine

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/pantry/internal/logging"
	"github.com/mesh-intelligence/pantry/internal/reactive"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

const tracerName = "github.com/mesh-intelligence/pantry/internal/engine"

// registration is one registered type. The container and the names never
// change after RegisterType. hasFetchedAll is guarded by mu and only set
// from inside a container write, so the lock order is container, then mu.
type registration struct {
	singular  string
	plural    string
	apiPrefix string
	cache     *reactive.Writable

	mu            sync.Mutex
	hasFetchedAll bool
}

func (r *registration) info() types.TypeInfo {
	return types.TypeInfo{
		Singular:      r.singular,
		Plural:        r.plural,
		APIPrefix:     r.apiPrefix,
		HasFetchedAll: r.fetchedAll(),
	}
}

func (r *registration) fetchedAll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasFetchedAll
}

func (r *registration) setFetchedAll(v bool) {
	r.mu.Lock()
	r.hasFetchedAll = v
	r.mu.Unlock()
}

// Engine implements types.Cache. Construct one with New and share it; each
// Engine has its own registry, so tests can run independent instances.
type Engine struct {
	mu    sync.RWMutex
	types map[string]*registration

	transport      types.Transport
	logger         *slog.Logger
	tracer         trace.Tracer
	updateMethod   string
	refetchOnError bool
	inflight       *singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Transport failures are logged at error level
// and malformed side-loaded data at warn level.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider used for operation
// spans. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithUpdateMethod sets the HTTP verb Update sends, PATCH by default.
func WithUpdateMethod(method string) Option {
	return func(e *Engine) {
		if method != "" {
			e.updateMethod = method
		}
	}
}

// WithRefetchOnError makes FetchByID request records that are cached in
// StateError instead of returning them.
func WithRefetchOnError() Option {
	return func(e *Engine) {
		e.refetchOnError = true
	}
}

// WithInflightJoin makes concurrent FetchByID calls for the same entity,
// and concurrent FetchAll calls for the same type, wait for and share one
// request. Without it a second caller gets the loading placeholder at once.
func WithInflightJoin() Option {
	return func(e *Engine) {
		e.inflight = &singleflight.Group{}
	}
}

// New returns an Engine that sends requests through transport.
func New(transport types.Transport, opts ...Option) *Engine {
	e := &Engine{
		types:        make(map[string]*registration),
		transport:    transport,
		logger:       logging.Nop(),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		updateMethod: http.MethodPatch,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterType declares a resource type with a fresh, empty container. A
// previous registration under the same singular name is replaced and its
// cached records are lost.
func (e *Engine) RegisterType(singular, plural, apiPrefix string) error {
	tc := types.TypeConfig{Singular: singular, Plural: plural, APIPrefix: apiPrefix}
	if err := tc.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.types[singular]; ok {
		e.logger.Warn("type re-registered, cached records dropped", "type", singular)
	}
	e.types[singular] = &registration{
		singular:  singular,
		plural:    plural,
		apiPrefix: apiPrefix,
		cache:     reactive.New(nil),
	}
	return nil
}

// RegisterTypes registers every entry of cfgs in order.
func (e *Engine) RegisterTypes(cfgs []types.TypeConfig) error {
	for _, tc := range cfgs {
		if err := e.RegisterType(tc.Singular, tc.Plural, tc.APIPrefix); err != nil {
			return err
		}
	}
	return nil
}

// GetCache returns the type's container.
func (e *Engine) GetCache(singular string) (types.Container, error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return nil, err
	}
	return reg.cache, nil
}

// Registration returns a snapshot of the type's registration.
func (e *Engine) Registration(singular string) (types.TypeInfo, error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return types.TypeInfo{}, err
	}
	return reg.info(), nil
}

// Types lists every registration ordered by singular name.
func (e *Engine) Types() []types.TypeInfo {
	e.mu.RLock()
	regs := make([]*registration, 0, len(e.types))
	for _, reg := range e.types {
		regs = append(regs, reg)
	}
	e.mu.RUnlock()

	slices.SortFunc(regs, func(a, b *registration) int {
		return strings.Compare(a.singular, b.singular)
	})
	out := make([]types.TypeInfo, len(regs))
	for i, reg := range regs {
		out[i] = reg.info()
	}
	return out
}

// lookup resolves a registration or fails with ErrNotRegistered.
func (e *Engine) lookup(singular string) (*registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.types[singular]
	if !ok {
		return nil, types.NotRegistered(singular)
	}
	return reg, nil
}

// byPlural finds the registration whose plural name is key. When several
// types share a plural name the one with the smallest singular name wins.
func (e *Engine) byPlural(key string) *registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var found *registration
	for _, reg := range e.types {
		if reg.plural != key {
			continue
		}
		if found == nil || reg.singular < found.singular {
			found = reg
		}
	}
	return found
}

var _ types.Cache = (*Engine)(nil)
