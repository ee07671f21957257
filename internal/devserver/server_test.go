package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer returns a running server backed by a store seeded with two
// makers and one widget that references the first maker.
func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := attachStore(t, t.TempDir())
	ctx := context.Background()
	for _, m := range []map[string]any{
		{"id": "m1", "name": "Acme"},
		{"id": "m2", "name": "Globex"},
	} {
		_, err := store.Insert(ctx, "maker", m)
		require.NoError(t, err)
	}
	_, err := store.Insert(ctx, "widget", map[string]any{"id": "w1", "name": "sprocket", "maker_id": "m1"})
	require.NoError(t, err)

	ts := httptest.NewServer(New(store, testTypes).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func call(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload), "body: %s", raw)
	}
	return resp, payload
}

func TestServerGetSideLoadsReferences(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, payload := call(t, http.MethodGet, ts.URL+"/api/widgets/w1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	widget := payload["widget"].(map[string]any)
	assert.Equal(t, "sprocket", widget["name"])
	makers := payload["makers"].([]any)
	require.Len(t, makers, 1)
	assert.Equal(t, "Acme", makers[0].(map[string]any)["name"])
}

func TestServerList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, payload := call(t, http.MethodGet, ts.URL+"/api/makers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["makers"], 2)
	assert.NotContains(t, payload, "widgets", "makers reference nothing")

	_, payload = call(t, http.MethodGet, ts.URL+"/api/widgets", "")
	assert.Len(t, payload["widgets"], 1)
	assert.Len(t, payload["makers"], 1)
}

func TestServerNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"missing entity", http.MethodGet, "/api/widgets/nope"},
		{"missing on delete", http.MethodDelete, "/api/widgets/nope"},
		{"unregistered collection", http.MethodGet, "/api/gadgets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, payload := call(t, tt.method, ts.URL+tt.path, "")
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "404 Not Found", resp.Status)
			assert.NotEmpty(t, payload["error"])
		})
	}
}

func TestServerCreate(t *testing.T) {
	ts, store := newTestServer(t)

	resp, payload := call(t, http.MethodPost, ts.URL+"/api/widgets", `{"widget":{"name":"gear","maker_id":"m2"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	widget := payload["widget"].(map[string]any)
	id, _ := widget["id"].(string)
	require.NotEmpty(t, id)
	assert.Len(t, payload["makers"], 1)

	_, err := store.Get(context.Background(), "widget", id)
	assert.NoError(t, err)

	resp, _ = call(t, http.MethodPost, ts.URL+"/api/widgets", `{"widget":{"id":"w1"}}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServerRejectsBadBodies(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, body := range []string{"", "{oops", `{"maker":{"name":"wrong key"}}`, `{"widget":"not an object"}`, `{"widget":{"name":"x"}} trailing`} {
		resp, payload := call(t, http.MethodPost, ts.URL+"/api/widgets", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.NotEmpty(t, payload["error"], "body %q", body)
	}
}

func TestServerPatchMergesPutReplaces(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, payload := call(t, http.MethodPatch, ts.URL+"/api/widgets/w1", `{"widget":{"name":"renamed"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	widget := payload["widget"].(map[string]any)
	assert.Equal(t, "renamed", widget["name"])
	assert.Equal(t, "m1", widget["maker_id"])

	resp, payload = call(t, http.MethodPut, ts.URL+"/api/widgets/w1", `{"widget":{"name":"bare"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"id": "w1", "name": "bare"}, payload["widget"])
	assert.NotContains(t, payload, "makers")
}

func TestServerEscapedIDs(t *testing.T) {
	ts, store := newTestServer(t)

	resp, payload := call(t, http.MethodPut, ts.URL+"/api/widgets/a%2Fb", `{"widget":{"name":"slashed"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a/b", payload["widget"].(map[string]any)["id"])

	obj, err := store.Get(context.Background(), "widget", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "slashed", obj["name"])

	resp, payload = call(t, http.MethodGet, ts.URL+"/api/widgets/a%2Fb", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "slashed", payload["widget"].(map[string]any)["name"])

	resp, _ = call(t, http.MethodDelete, ts.URL+"/api/widgets/a%2Fb", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServerDelete(t *testing.T) {
	ts, store := newTestServer(t)

	resp, payload := call(t, http.MethodDelete, ts.URL+"/api/widgets/w1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, payload)

	_, err := store.Get(context.Background(), "widget", "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}
