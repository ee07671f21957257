package engine

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Create posts item wrapped as {singular: item} to the collection endpoint
// and inserts the returned entity under its id. Nothing is written to the
// container before the backend answers, and nothing at all on failure.
func (e *Engine) Create(ctx context.Context, singular string, item map[string]any) (rec types.Record, err error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return types.Record{}, err
	}
	ctx, span := e.startSpan(ctx, "Create", singular, "")
	defer func() { endSpan(span, err) }()

	body, err := encodeItem(singular, item)
	if err != nil {
		return types.Record{}, err
	}

	payload, err := e.send(ctx, opCreate, types.Request{
		Method: http.MethodPost,
		Path:   reg.info().CollectionPath(),
		Body:   body,
	}, false)
	if err != nil {
		e.logger.Error("create failed", "type", singular, "error", err)
		return types.Record{}, err
	}
	e.sideLoad(reg.singular, reg.plural, payload)

	data, ok := payload[singular].(map[string]any)
	if !ok {
		err = failed(opCreate, fmt.Errorf("%w: %q", types.ErrMissingEntity, singular))
		e.logger.Error("create failed", "type", singular, "error", err)
		return types.Record{}, err
	}
	id, ok := types.EntityID(data)
	if !ok {
		err = failed(opCreate, types.ErrMissingID)
		e.logger.Error("create failed", "type", singular, "error", err)
		return types.Record{}, err
	}

	rec = types.Loaded(data)
	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		m[id] = rec
		return m
	})
	return rec, nil
}

// Update moves id to StateUpdating (creating an empty shell when nothing is
// cached), sends item wrapped as {singular: item}, and stores the returned
// entity under its own id, falling back to the requested id when it has
// none. An ok response with an empty body, or without the entity, is
// accepted: the partial item is merged into the cached payload.
// On failure the record moves to StateError with its payload intact.
func (e *Engine) Update(ctx context.Context, singular, id string, item map[string]any) (err error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, "Update", singular, id)
	defer func() { endSpan(span, err) }()

	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		m[id] = m[id].WithState(types.StateUpdating)
		return m
	})

	body, err := encodeItem(singular, item)
	if err == nil {
		var payload map[string]any
		payload, err = e.send(ctx, opUpdate, types.Request{
			Method: e.updateMethod,
			Path:   reg.info().EntityPath(id),
			Body:   body,
		}, true)
		if err == nil {
			e.sideLoad(reg.singular, reg.plural, payload)
			data, _ := payload[singular].(map[string]any)
			reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
				key := id
				if data == nil {
					data = merge(m[id].Data, item)
				} else if rid, ok := types.EntityID(data); ok && rid != id {
					// The backend re-keyed the entity; keep one record.
					delete(m, id)
					key = rid
				}
				m[key] = types.Loaded(data)
				return m
			})
			return nil
		}
	}

	msg := err.Error()
	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		m[id] = m[id].WithError(msg)
		return m
	})
	e.logger.Error("update failed", "type", singular, "id", id, "error", err)
	return err
}

// Remove moves id to StateDeleting and sends DELETE. Once the backend
// confirms, the id is removed from the container with no tombstone. On
// failure the record moves to StateError and stays cached.
func (e *Engine) Remove(ctx context.Context, singular, id string) (err error) {
	reg, err := e.lookup(singular)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, "Remove", singular, id)
	defer func() { endSpan(span, err) }()

	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		m[id] = m[id].WithState(types.StateDeleting)
		return m
	})

	resp, err := e.transport.Do(ctx, types.Request{
		Method: http.MethodDelete,
		Path:   reg.info().EntityPath(id),
	})
	switch {
	case err != nil:
		err = &types.TransportError{Op: opDelete, Err: err}
	case !resp.OK:
		err = &types.TransportError{Op: opDelete, Status: resp.Status, StatusText: resp.StatusText}
	default:
		reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
			delete(m, id)
			return m
		})
		return nil
	}

	msg := err.Error()
	reg.cache.Update(func(m map[string]types.Record) map[string]types.Record {
		m[id] = m[id].WithError(msg)
		return m
	})
	e.logger.Error("delete failed", "type", singular, "id", id, "error", err)
	return err
}

// merge returns a copy of base with patch applied on top.
func merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}
