package types

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Cache is the entity cache exposed to UI and observer code. Every operation
// that names a type fails with ErrNotRegistered before touching any container
// when the type has not been registered.
type Cache interface {
	// RegisterType declares a resource type. Re-registering a singular name
	// replaces the previous registration and drops its cached records.
	RegisterType(singular, plural, apiPrefix string) error

	// GetCache returns the reactive container holding the type's records.
	GetCache(singular string) (Container, error)

	// Registration returns a snapshot of the type's registration.
	Registration(singular string) (TypeInfo, error)

	// Types lists every registration ordered by singular name.
	Types() []TypeInfo

	// FetchByID returns the cached record for id, issuing a request only when
	// nothing is cached yet. On failure the returned record is in StateError
	// and the error wraps ErrTransport.
	FetchByID(ctx context.Context, singular, id string) (Record, error)

	// FetchAll returns every record of the type. The collection is requested
	// at most once until ReloadAll invalidates it.
	FetchAll(ctx context.Context, singular string, sort ...SortColumn) ([]Record, error)

	// ReloadByID evicts id and fetches it again.
	ReloadByID(ctx context.Context, singular, id string) (Record, error)

	// ReloadAll clears the container and fetches the collection again.
	ReloadAll(ctx context.Context, singular string, sort ...SortColumn) ([]Record, error)

	// Create posts item and inserts the returned entity. The container is
	// unchanged on failure.
	Create(ctx context.Context, singular string, item map[string]any) (Record, error)

	// Update marks id as updating, sends the partial item, and stores the
	// returned entity. On failure the record moves to StateError.
	Update(ctx context.Context, singular, id string, item map[string]any) error

	// Remove marks id as deleting and drops it once the backend confirms. On
	// failure the record moves to StateError and stays cached.
	Remove(ctx context.Context, singular, id string) error
}

// Container is a reactive mapping from entity ID to Record. Get returns a
// deep copy that callers may keep and modify. Subscribe delivers the current
// value and then every later value in write order until the returned
// function is called; callbacks are never invoked concurrently. Records
// returned by Cache operations are likewise detached from the container.
type Container interface {
	Get() map[string]Record
	Set(value map[string]Record)
	Update(fn func(map[string]Record) map[string]Record)
	Subscribe(fn func(map[string]Record)) (unsubscribe func())
}

// TypeInfo is a read-only view of one registration.
type TypeInfo struct {
	Singular      string `json:"singular"`
	Plural        string `json:"plural"`
	APIPrefix     string `json:"apiPrefix"`
	HasFetchedAll bool   `json:"hasFetchedAll"`
}

// CollectionPath returns the path of the type's collection endpoint.
func (t TypeInfo) CollectionPath() string {
	return t.APIPrefix + "/" + t.Plural
}

// EntityPath returns the path of a single entity endpoint. The id is
// path-escaped, so ids containing '/', '?' or '#' stay one segment.
func (t TypeInfo) EntityPath(id string) string {
	return t.CollectionPath() + "/" + url.PathEscape(id)
}

// Request is one backend call. Path is joined to the transport's base URL.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is the transport's view of a backend reply. OK is true for 2xx
// statuses.
type Response struct {
	OK         bool
	Status     int
	StatusText string
	Body       []byte
}

// Transport performs backend calls. Implementations return an error only
// when no response was received; non-ok statuses come back as a Response.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// ToData converts v into a payload map by round-tripping it through JSON.
// A map[string]any is returned unchanged.
func ToData(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding item: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("item is not a JSON object: %w", err)
	}
	return out, nil
}
