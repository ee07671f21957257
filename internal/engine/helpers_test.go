package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// fakeTransport answers requests from a route table keyed by "METHOD path"
// and records every request it receives.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []types.Request
	routes map[string]func(types.Request) (*types.Response, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{routes: make(map[string]func(types.Request) (*types.Response, error))}
}

func (f *fakeTransport) Do(ctx context.Context, req types.Request) (*types.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h, ok := f.routes[req.Method+" "+req.Path]
	f.mu.Unlock()
	if !ok {
		return statusResponse(404, "Not Found"), nil
	}
	return h(req)
}

// on installs a handler for "METHOD path".
func (f *fakeTransport) on(route string, h func(types.Request) (*types.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

// reply installs a fixed ok JSON response.
func (f *fakeTransport) reply(route, body string) {
	f.on(route, func(types.Request) (*types.Response, error) {
		return jsonResponse(body), nil
	})
}

// fail installs a fixed non-ok response.
func (f *fakeTransport) fail(route string, code int, text string) {
	f.on(route, func(types.Request) (*types.Response, error) {
		return statusResponse(code, text), nil
	})
}

// gate installs a handler that blocks until release is closed, after
// signalling on started.
func (f *fakeTransport) gate(route, body string) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 16)
	release = make(chan struct{})
	f.on(route, func(types.Request) (*types.Response, error) {
		started <- struct{}{}
		<-release
		return jsonResponse(body), nil
	})
	return started, release
}

func (f *fakeTransport) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method+" "+c.Path == route {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last() types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func jsonResponse(body string) *types.Response {
	return &types.Response{OK: true, Status: 200, StatusText: "OK", Body: []byte(body)}
}

func statusResponse(code int, text string) *types.Response {
	return &types.Response{OK: code >= 200 && code < 300, Status: code, StatusText: text}
}

var errNetwork = errors.New("connection refused")

// newTestEngine returns an engine with widget and maker registered under /api.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	e := New(ft, opts...)
	require.NoError(t, e.RegisterType("widget", "widgets", "/api"))
	require.NoError(t, e.RegisterType("maker", "makers", "/api"))
	return e, ft
}

// snapshot returns the type's current container value.
func snapshot(t *testing.T, e *Engine, singular string) map[string]types.Record {
	t.Helper()
	c, err := e.GetCache(singular)
	require.NoError(t, err)
	return c.Get()
}

// recordIDs returns the payload ids of records in order.
func recordIDs(recs []types.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r.ID()
	}
	return out
}

// decodeBody parses a request body for assertions.
func decodeBody(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}
