package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Verbs used in failure messages ("Failed to fetch: Not Found").
const (
	opFetch  = "fetch"
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// send performs req and decodes a JSON object body. A nil payload with a nil
// error means the backend answered ok with an empty body, which is only
// accepted when allowEmpty is set. Every failure is a *types.TransportError.
func (e *Engine) send(ctx context.Context, op string, req types.Request, allowEmpty bool) (map[string]any, error) {
	resp, err := e.transport.Do(ctx, req)
	if err != nil {
		return nil, &types.TransportError{Op: op, Err: err}
	}
	if !resp.OK {
		return nil, &types.TransportError{Op: op, Status: resp.Status, StatusText: resp.StatusText}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		if allowEmpty {
			return nil, nil
		}
		return nil, &types.TransportError{Op: op, Status: resp.Status, StatusText: resp.StatusText,
			Err: fmt.Errorf("%w: empty body", types.ErrMalformedBody)}
	}
	payload, err := decodeObject(resp.Body)
	if err != nil {
		return nil, &types.TransportError{Op: op, Status: resp.Status, StatusText: resp.StatusText, Err: err}
	}
	return payload, nil
}

// failed wraps a problem found in an otherwise ok response.
func failed(op string, cause error) error {
	return &types.TransportError{Op: op, Err: cause}
}

// decodeObject parses a JSON object keeping numbers as json.Number so ids
// and numeric fields survive without float rounding.
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedBody, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", types.ErrMalformedBody)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", types.ErrMalformedBody)
	}
	return payload, nil
}

// encodeItem wraps item under the singular name: {"widget": {...}}.
func encodeItem(singular string, item map[string]any) ([]byte, error) {
	if item == nil {
		item = map[string]any{}
	}
	b, err := json.Marshal(map[string]any{singular: item})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", singular, err)
	}
	return b, nil
}

// startSpan opens the span for one cache operation.
func (e *Engine) startSpan(ctx context.Context, name, singular, id string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("pantry.type", singular)}
	if id != "" {
		attrs = append(attrs, attribute.String("pantry.id", id))
	}
	return e.tracer.Start(ctx, "pantry."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
