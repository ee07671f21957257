package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

func TestFetchByIDWritesPlaceholderBeforeRequest(t *testing.T) {
	e, ft := newTestEngine(t)
	started, release := ft.gate("GET /api/widgets/1", `{"widget":{"id":"1","name":"sprocket"}}`)

	done := make(chan types.Record)
	go func() {
		rec, _ := e.FetchByID(context.Background(), "widget", "1")
		done <- rec
	}()

	<-started
	cached := snapshot(t, e, "widget")["1"]
	assert.Equal(t, types.StateLoading, cached.State)
	assert.False(t, cached.Error)
	assert.Nil(t, cached.ErrorMessage)

	close(release)
	rec := <-done
	assert.Equal(t, types.StateLoaded, rec.State)
	assert.Equal(t, "sprocket", rec.Data["name"])
	assert.Equal(t, rec, snapshot(t, e, "widget")["1"])
}

func TestFetchByIDServesCachedRecord(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1"}}`)
	ctx := context.Background()

	first, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	second, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, ft.count("GET /api/widgets/1"))
}

func TestFetchByIDKeepsNumericIDs(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/12345678901234567", `{"widget":{"id":12345678901234567}}`)

	rec, err := e.FetchByID(context.Background(), "widget", "12345678901234567")
	require.NoError(t, err)
	id, ok := rec.ID()
	require.True(t, ok)
	assert.Equal(t, "12345678901234567", id)
}

func TestFetchByIDFailure(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(ft *fakeTransport)
		wantMsg string
	}{
		{
			name:    "non-ok status",
			setup:   func(ft *fakeTransport) { ft.fail("GET /api/widgets/1", 404, "Not Found") },
			wantMsg: "Failed to fetch: Not Found",
		},
		{
			name: "network error",
			setup: func(ft *fakeTransport) {
				ft.on("GET /api/widgets/1", func(types.Request) (*types.Response, error) { return nil, errNetwork })
			},
			wantMsg: "Failed to fetch: connection refused",
		},
		{
			name:    "malformed body",
			setup:   func(ft *fakeTransport) { ft.reply("GET /api/widgets/1", `{"widget":`) },
			wantMsg: "Failed to fetch: malformed response body",
		},
		{
			name:    "trailing data after body",
			setup:   func(ft *fakeTransport) { ft.reply("GET /api/widgets/1", `{"widget":{"id":"1"}}garbage`) },
			wantMsg: "Failed to fetch: malformed response body: trailing data",
		},
		{
			name:    "entity missing from payload",
			setup:   func(ft *fakeTransport) { ft.reply("GET /api/widgets/1", `{"gadget":{}}`) },
			wantMsg: "Failed to fetch: response does not contain the entity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ft := newTestEngine(t)
			tt.setup(ft)

			rec, err := e.FetchByID(context.Background(), "widget", "1")
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrTransport)

			assert.Equal(t, types.StateError, rec.State)
			assert.True(t, rec.Error)
			assert.Contains(t, rec.Message(), tt.wantMsg)
			assert.Equal(t, rec, snapshot(t, e, "widget")["1"], "error record must stay cached for observers")
		})
	}
}

func TestFetchByIDEscapesID(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/a%2Fb", `{"widget":{"id":"a/b"}}`)

	rec, err := e.FetchByID(context.Background(), "widget", "a/b")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoaded, rec.State)
	assert.Contains(t, snapshot(t, e, "widget"), "a/b")
}

func TestFetchByIDReturnsCachedErrorWithoutRequest(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.fail("GET /api/widgets/1", 500, "Internal Server Error")
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "1")
	require.Error(t, err)

	rec, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, rec.State)
	assert.Equal(t, 1, ft.count("GET /api/widgets/1"))
}

func TestFetchByIDRefetchOnError(t *testing.T) {
	e, ft := newTestEngine(t, WithRefetchOnError())
	ft.fail("GET /api/widgets/1", 500, "Internal Server Error")
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "1")
	require.Error(t, err)

	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1"}}`)
	rec, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoaded, rec.State)
	assert.Equal(t, 2, ft.count("GET /api/widgets/1"))
}

func TestFetchByIDConcurrentCallerGetsPlaceholder(t *testing.T) {
	e, ft := newTestEngine(t)
	started, release := ft.gate("GET /api/widgets/1", `{"widget":{"id":"1"}}`)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = e.FetchByID(ctx, "widget", "1")
		close(done)
	}()
	<-started

	rec, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoading, rec.State)

	close(release)
	<-done
	assert.Equal(t, 1, ft.count("GET /api/widgets/1"))
}

func TestFetchByIDInflightJoin(t *testing.T) {
	e, ft := newTestEngine(t, WithInflightJoin())
	started, release := ft.gate("GET /api/widgets/1", `{"widget":{"id":"1"}}`)
	ctx := context.Background()

	const callers = 5
	results := make(chan types.Record, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec, _ := e.FetchByID(ctx, "widget", "1")
		results <- rec
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _ := e.FetchByID(ctx, "widget", "1")
			results <- rec
		}()
	}

	close(release)
	wg.Wait()
	close(results)

	for rec := range results {
		// Late joiners that arrive after the shared call returned read the
		// loaded record from the cache; nobody sees the placeholder.
		assert.Equal(t, types.StateLoaded, rec.State)
	}
	assert.Equal(t, 1, ft.count("GET /api/widgets/1"))
}

func TestFetchAllFetchesOnce(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"},{"id":"2"}]}`)
	ctx := context.Background()

	first, err := e.FetchAll(ctx, "widget")
	require.NoError(t, err)
	second, err := e.FetchAll(ctx, "widget")
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, recordIDs(first))
	assert.Equal(t, []string{"1", "2"}, recordIDs(second))
	assert.Equal(t, 1, ft.count("GET /api/widgets"))

	info, err := e.Registration("widget")
	require.NoError(t, err)
	assert.True(t, info.HasFetchedAll)
	for _, r := range second {
		assert.Equal(t, types.StateLoaded, r.State)
	}
}

func TestFetchAllSorts(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1","name":"b"},{"id":"2","name":"a"},{"id":"3","name":"a"}]}`)
	ctx := context.Background()

	asc, err := e.FetchAll(ctx, "widget", types.SortColumn{SortColumn: "name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "1"}, recordIDs(asc))

	// The cached path sorts as well.
	desc, err := e.FetchAll(ctx, "widget", types.SortColumn{SortColumn: "name", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, recordIDs(desc))
	assert.Equal(t, 1, ft.count("GET /api/widgets"))
}

func TestFetchAllReplacesContainer(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/5", `{"widget":{"id":"5"}}`)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"},{"id":"2"}]}`)
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "5")
	require.NoError(t, err)
	require.Contains(t, snapshot(t, e, "widget"), "5")

	_, err = e.FetchAll(ctx, "widget")
	require.NoError(t, err)

	got := snapshot(t, e, "widget")
	assert.NotContains(t, got, "5")
	assert.Len(t, got, 2)
}

func TestFetchAllSkipsItemsWithoutID(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"},{"name":"anonymous"},"junk",{"id":"1","name":"dup"}]}`)

	recs, err := e.FetchAll(context.Background(), "widget")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "dup", recs[0].Data["name"])
	assert.Len(t, snapshot(t, e, "widget"), 1)
}

func TestFetchAllFailureMarksCachedRecords(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1","name":"kept"}}`)
	ft.fail("GET /api/widgets", 503, "Service Unavailable")
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)

	recs, err := e.FetchAll(ctx, "widget")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransport)
	require.Len(t, recs, 1)
	assert.Equal(t, types.StateError, recs[0].State)
	assert.Equal(t, "Failed to fetch: Service Unavailable", recs[0].Message())
	assert.Equal(t, "kept", recs[0].Data["name"], "payload must survive the error")

	info, err := e.Registration("widget")
	require.NoError(t, err)
	assert.False(t, info.HasFetchedAll)
}

func TestFetchAllMissingPluralKeyFails(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets", `{"widgets":{"id":"1"}}`)

	_, err := e.FetchAll(context.Background(), "widget")
	assert.ErrorIs(t, err, types.ErrMissingEntity)
}

func TestFetchAllInflightJoinSortsPerCaller(t *testing.T) {
	e, ft := newTestEngine(t, WithInflightJoin())
	started, release := ft.gate("GET /api/widgets", `{"widgets":[{"id":"1","n":"b"},{"id":"2","n":"a"}]}`)
	ctx := context.Background()

	var asc, desc []types.Record
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		asc, _ = e.FetchAll(ctx, "widget", types.SortColumn{SortColumn: "n"})
	}()
	<-started
	go func() {
		defer wg.Done()
		desc, _ = e.FetchAll(ctx, "widget", types.SortColumn{SortColumn: "n", SortOrder: "desc"})
	}()
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"2", "1"}, recordIDs(asc))
	assert.Equal(t, []string{"1", "2"}, recordIDs(desc))
	assert.Equal(t, 1, ft.count("GET /api/widgets"))
}

func TestReloadAllAlwaysRequests(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"}]}`)
	ctx := context.Background()

	_, err := e.FetchAll(ctx, "widget")
	require.NoError(t, err)
	require.Equal(t, 1, ft.count("GET /api/widgets"))

	ft.reply("GET /api/widgets", `{"widgets":[{"id":"2"}]}`)
	recs, err := e.ReloadAll(ctx, "widget")
	require.NoError(t, err)

	assert.Equal(t, 2, ft.count("GET /api/widgets"))
	assert.Equal(t, []string{"2"}, recordIDs(recs))
	assert.NotContains(t, snapshot(t, e, "widget"), "1")
}

func TestReloadByIDForcesRequest(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1","v":1}}`)
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)

	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1","v":2}}`)
	rec, err := e.ReloadByID(ctx, "widget", "1")
	require.NoError(t, err)

	assert.Equal(t, 2, ft.count("GET /api/widgets/1"))
	assert.Equal(t, json.Number("2"), rec.Data["v"])
}

func TestReloadByIDRetriesErroredRecord(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.fail("GET /api/widgets/1", 500, "Internal Server Error")
	ctx := context.Background()

	_, err := e.FetchByID(ctx, "widget", "1")
	require.Error(t, err)

	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1"}}`)
	rec, err := e.ReloadByID(ctx, "widget", "1")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoaded, rec.State)
}

func TestReturnedRecordsAreDetachedFromContainer(t *testing.T) {
	e, ft := newTestEngine(t)
	ft.reply("GET /api/widgets/1", `{"widget":{"id":"1","name":"sprocket","tags":["a"]}}`)
	ft.reply("GET /api/widgets", `{"widgets":[{"id":"1","name":"sprocket","tags":["a"]}]}`)
	ft.reply("POST /api/widgets", `{"widget":{"id":"2","name":"gear"}}`)
	ctx := context.Background()

	c, err := e.GetCache("widget")
	require.NoError(t, err)
	notifications := 0
	unsub := c.Subscribe(func(map[string]types.Record) { notifications++ })
	defer unsub()

	fetched, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	cached, err := e.FetchByID(ctx, "widget", "1")
	require.NoError(t, err)
	created, err := e.Create(ctx, "widget", map[string]any{"name": "gear"})
	require.NoError(t, err)
	before := notifications

	fetched.Data["name"] = "mutated"
	cached.Data["tags"].([]any)[0] = "z"
	created.Data["name"] = "mutated"
	c.Get()["1"].Data["extra"] = true

	got := snapshot(t, e, "widget")
	assert.Equal(t, "sprocket", got["1"].Data["name"])
	assert.Equal(t, []any{"a"}, got["1"].Data["tags"])
	assert.NotContains(t, got["1"].Data, "extra")
	assert.Equal(t, "gear", got["2"].Data["name"])
	assert.Equal(t, before, notifications)

	all, err := e.ReloadAll(ctx, "widget")
	require.NoError(t, err)
	all[0].Data["name"] = "mutated"
	assert.Equal(t, "sprocket", snapshot(t, e, "widget")["1"].Data["name"])
}

func TestFetchAllFromSubscriber(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "default"},
		{name: "inflight join", opts: []Option{WithInflightJoin()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Run("after load uses cache", func(t *testing.T) {
				e, ft := newTestEngine(t, tt.opts...)
				ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"},{"id":"2"}]}`)
				ctx := context.Background()

				c, err := e.GetCache("widget")
				require.NoError(t, err)
				var again []types.Record
				var againErr error
				reacted := false
				unsub := c.Subscribe(func(m map[string]types.Record) {
					if len(m) > 0 && !reacted {
						reacted = true
						again, againErr = e.FetchAll(ctx, "widget")
					}
				})
				defer unsub()

				_, err = e.FetchAll(ctx, "widget")
				require.NoError(t, err)

				require.True(t, reacted)
				require.NoError(t, againErr)
				assert.Equal(t, []string{"1", "2"}, recordIDs(again))
				assert.Equal(t, 1, ft.count("GET /api/widgets"))
			})

			t.Run("during reload requests again", func(t *testing.T) {
				e, ft := newTestEngine(t, tt.opts...)
				ft.reply("GET /api/widgets", `{"widgets":[{"id":"1"},{"id":"2"}]}`)
				ctx := context.Background()

				_, err := e.FetchAll(ctx, "widget")
				require.NoError(t, err)

				c, err := e.GetCache("widget")
				require.NoError(t, err)
				armed := false
				var nested []types.Record
				var nestedErr error
				requestsAtNested := 0
				unsub := c.Subscribe(func(m map[string]types.Record) {
					if armed && len(m) == 0 {
						armed = false
						nested, nestedErr = e.FetchAll(ctx, "widget")
						requestsAtNested = ft.count("GET /api/widgets")
					}
				})
				defer unsub()
				armed = true

				recs, err := e.ReloadAll(ctx, "widget")
				require.NoError(t, err)

				require.NoError(t, nestedErr)
				assert.Equal(t, []string{"1", "2"}, recordIDs(nested), "a cleared container is never complete")
				assert.Equal(t, 2, requestsAtNested)
				assert.Equal(t, []string{"1", "2"}, recordIDs(recs))
			})
		})
	}
}
