package engine

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// FetchByID returns the cached record for id. When nothing is cached it
// writes a loading placeholder, requests the entity, and stores the result.
// The check and the placeholder write are one atomic step, so at most one
// request per uncached id is issued; a concurrent caller gets the placeholder
// back (or, with WithInflightJoin, waits for the shared result).
//
// On failure the record moves to StateError and is returned together with an
// error wrapping types.ErrTransport.
func (e *Engine) FetchByID(ctx context.Context, singular, id string) (rec types.Record, err error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return types.Record{}, err
	}
	ctx, span := e.startSpan(ctx, "FetchByID", singular, id)
	defer func() { endSpan(span, err) }()

	if e.inflight == nil {
		return e.fetchByID(ctx, reg, id)
	}
	v, err, _ := e.inflight.Do("id\x00"+singular+"\x00"+id, func() (any, error) {
		return e.fetchByID(ctx, reg, id)
	})
	rec, _ = v.(types.Record)
	return rec.Clone(), err
}

func (e *Engine) fetchByID(ctx context.Context, reg *registration, id string) (types.Record, error) {
	var cached types.Record
	var hit bool
	reg.cache.UpdateIf(func(m map[string]types.Record) bool {
		cur, ok := m[id]
		if ok && !(e.refetchOnError && cur.State == types.StateError) {
			cached, hit = cur, true
			return false
		}
		if ok {
			m[id] = cur.WithState(types.StateLoading)
		} else {
			m[id] = types.Placeholder()
		}
		return true
	})
	if hit {
		return cached, nil
	}

	payload, err := e.send(ctx, opFetch, types.Request{
		Method: http.MethodGet,
		Path:   reg.info().EntityPath(id),
	}, false)
	if err == nil {
		e.sideLoad(reg.singular, reg.plural, payload)
		data, ok := payload[reg.singular].(map[string]any)
		if !ok {
			err = failed(opFetch, fmt.Errorf("%w: %q", types.ErrMissingEntity, reg.singular))
		} else {
			rec := types.Loaded(data)
			reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
				m[id] = rec
				return m
			})
			return rec, nil
		}
	}

	var errored types.Record
	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		errored = m[id].WithError(err.Error())
		m[id] = errored
		return m
	})
	e.logger.Error("fetch failed", "type", reg.singular, "id", id, "error", err)
	return errored, err
}

// FetchAll returns every record of the type, sorted by sort when given.
// After one successful bulk request the container is authoritative and later
// calls are answered from it without a request; values are then ordered by
// id unless sort is given.
//
// A successful request replaces the whole container: records cached
// individually but absent from the response are dropped. On failure every
// cached record moves to StateError, and those records are returned together
// with the error.
func (e *Engine) FetchAll(ctx context.Context, singular string, sort ...types.SortColumn) (recs []types.Record, err error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return nil, err
	}
	ctx, span := e.startSpan(ctx, "FetchAll", singular, "")
	defer func() { endSpan(span, err) }()

	if cached, ok := cachedAll(reg); ok {
		return types.SortData(cached, sort), nil
	}
	if e.inflight == nil {
		recs, err = e.fetchAll(ctx, reg)
	} else {
		var v any
		v, err, _ = e.inflight.Do("all\x00"+singular, func() (any, error) {
			return e.fetchAll(ctx, reg)
		})
		// Joined callers share the result; each gets and sorts its own copy.
		shared, _ := v.([]types.Record)
		recs = make([]types.Record, len(shared))
		for i, r := range shared {
			recs[i] = r.Clone()
		}
	}
	return types.SortData(recs, sort), err
}

func (e *Engine) fetchAll(ctx context.Context, reg *registration) ([]types.Record, error) {
	if cached, ok := cachedAll(reg); ok {
		return cached, nil
	}

	payload, err := e.send(ctx, opFetch, types.Request{
		Method: http.MethodGet,
		Path:   reg.info().CollectionPath(),
	}, false)
	if err == nil {
		e.sideLoad(reg.singular, reg.plural, payload)
		items, ok := payload[reg.plural].([]any)
		if !ok {
			err = failed(opFetch, fmt.Errorf("%w: %q is not an array", types.ErrMissingEntity, reg.plural))
		} else {
			recs, next := e.collect(reg.plural, items)
			// The flag flips in the same write that fills the container, so
			// observers of the new value already see it as complete.
			reg.cache.Update(func(map[string]types.Record) map[string]types.Record {
				reg.setFetchedAll(true)
				return next
			})
			return recs, nil
		}
	}

	var errored map[string]types.Record
	msg := err.Error()
	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		for id, r := range m {
			m[id] = r.WithError(msg)
		}
		errored = m
		return m
	})
	e.logger.Error("fetch all failed", "type", reg.singular, "error", err)
	return valuesByID(errored), err
}

// collect stamps every element of items loaded and keys it by id. Elements
// that are not objects or have no id are skipped with a warning. The slice
// keeps response order.
func (e *Engine) collect(key string, items []any) ([]types.Record, map[string]types.Record) {
	recs := make([]types.Record, 0, len(items))
	byID := make(map[string]types.Record, len(items))
	for i, item := range items {
		data, ok := item.(map[string]any)
		if !ok {
			e.logger.Warn("skipping non-object entity", "key", key, "index", i)
			continue
		}
		id, ok := types.EntityID(data)
		if !ok {
			e.logger.Warn("skipping entity without id", "key", key, "index", i)
			continue
		}
		rec := types.Loaded(data)
		if _, dup := byID[id]; dup {
			// Later duplicates win in the map; keep one slice entry.
			recs = slices.DeleteFunc(recs, func(r types.Record) bool {
				rid, _ := r.ID()
				return rid == id
			})
		}
		recs = append(recs, rec)
		byID[id] = rec
	}
	return recs, byID
}

// ReloadByID evicts id and fetches it again regardless of its prior state.
func (e *Engine) ReloadByID(ctx context.Context, singular, id string) (types.Record, error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return types.Record{}, err
	}
	reg.cache.UpdateIf(func(m map[string]types.Record) bool {
		if _, ok := m[id]; !ok {
			return false
		}
		delete(m, id)
		return true
	})
	return e.FetchByID(ctx, singular, id)
}

// ReloadAll clears the container, forgets that the collection was fetched,
// and fetches it again.
func (e *Engine) ReloadAll(ctx context.Context, singular string, sort ...types.SortColumn) ([]types.Record, error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return nil, err
	}
	reg.cache.Update(func(map[string]types.Record) map[string]types.Record {
		reg.setFetchedAll(false)
		return nil
	})
	return e.FetchAll(ctx, singular, sort...)
}

// cachedAll returns the container's values when the collection has been
// fetched. The flag and the values are read under the container lock, and
// the flag only changes inside container writes, so they always agree.
func cachedAll(reg *registration) ([]types.Record, bool) {
	var recs []types.Record
	var hit bool
	reg.cache.Read(func(m map[string]types.Record) {
		if reg.fetchedAll() {
			recs, hit = valuesByID(m), true
		}
	})
	return recs, hit
}

// valuesByID returns the mapping's records ordered by id.
func valuesByID(m map[string]types.Record) []types.Record {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, strings.Compare)
	out := make([]types.Record, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}
