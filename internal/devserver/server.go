package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/mesh-intelligence/pantry/internal/logging"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// refSuffix marks a field holding the id of another registered type:
// maker_id on a widget refers to a maker.
const refSuffix = "_id"

// Server serves the registered types from a Store.
type Server struct {
	store  *Store
	types  []types.TypeConfig
	logger *slog.Logger
	echo   *echo.Echo
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the routes for every type in regs. The store must already be
// attached with the same registrations.
func New(store *Store, regs []types.TypeConfig, opts ...Option) *Server {
	s := &Server{
		store:  store,
		types:  slices.Clone(regs),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.OFF)
	e.HTTPErrorHandler = s.handleError
	e.Use(s.logRequests)

	for _, tc := range s.types {
		collection := tc.APIPrefix + "/" + tc.Plural
		entity := collection + "/:id"
		e.GET(collection, s.list(tc))
		e.POST(collection, s.create(tc))
		e.GET(entity, s.get(tc))
		e.PATCH(entity, s.update(tc, false))
		e.PUT(entity, s.update(tc, true))
		e.DELETE(entity, s.remove(tc))
	}
	s.echo = e
	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving", "addr", addr, "types", len(s.types))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}

// logRequests logs server-side latency for every request.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		begin := time.Now()
		err := next(c)
		s.logger.Info("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(begin),
			"request_id", c.Request().Header.Get("X-Request-ID"),
		)
		return err
	}
}

// handleError writes {"error": msg} with the status the handler chose.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprint(he.Message)
	case errors.Is(err, ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrExists):
		code, msg = http.StatusConflict, err.Error()
	default:
		s.logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
	}
	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		s.logger.Error("writing error response", "error", err)
	}
}

func (s *Server) list(tc types.TypeConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		items, err := s.store.List(ctx, tc.Singular)
		if err != nil {
			return err
		}
		payload, err := s.withRelated(ctx, tc, items)
		if err != nil {
			return err
		}
		payload[tc.Plural] = items
		return c.JSON(http.StatusOK, payload)
	}
}

func (s *Server) get(tc types.TypeConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := entityID(c)
		if err != nil {
			return err
		}
		obj, err := s.store.Get(ctx, tc.Singular, id)
		if err != nil {
			return err
		}
		return s.respond(c, http.StatusOK, tc, obj)
	}
}

func (s *Server) create(tc types.TypeConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		item, err := readItem(c, tc.Singular)
		if err != nil {
			return err
		}
		obj, err := s.store.Insert(c.Request().Context(), tc.Singular, item)
		if err != nil {
			return err
		}
		return s.respond(c, http.StatusCreated, tc, obj)
	}
}

// update handles PATCH (merge) and PUT (replace).
func (s *Server) update(tc types.TypeConfig, replace bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		item, err := readItem(c, tc.Singular)
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		id, err := entityID(c)
		if err != nil {
			return err
		}
		var obj map[string]any
		if replace {
			obj, err = s.store.Put(ctx, tc.Singular, id, item)
		} else {
			obj, err = s.store.Patch(ctx, tc.Singular, id, item)
		}
		if err != nil {
			return err
		}
		return s.respond(c, http.StatusOK, tc, obj)
	}
}

func (s *Server) remove(tc types.TypeConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := entityID(c)
		if err != nil {
			return err
		}
		if err := s.store.Delete(c.Request().Context(), tc.Singular, id); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// respond writes {singular: obj} plus side-loaded related entities.
func (s *Server) respond(c echo.Context, code int, tc types.TypeConfig, obj map[string]any) error {
	payload, err := s.withRelated(c.Request().Context(), tc, []map[string]any{obj})
	if err != nil {
		return err
	}
	payload[tc.Singular] = obj
	return c.JSON(code, payload)
}

// withRelated returns a payload holding, under each referenced type's plural
// key, the entities that items point at through <singular>_id fields.
// References to the item's own type and to missing entities are ignored.
func (s *Server) withRelated(ctx context.Context, own types.TypeConfig, items []map[string]any) (map[string]any, error) {
	payload := map[string]any{}
	for _, tc := range s.types {
		if tc.Singular == own.Singular {
			continue
		}
		field := tc.Singular + refSuffix
		var ids []string
		for _, item := range items {
			if id, ok := refID(item[field]); ok && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		related, err := s.store.GetMany(ctx, tc.Singular, ids)
		if err != nil {
			return nil, err
		}
		if len(related) > 0 {
			payload[tc.Plural] = related
		}
	}
	return payload, nil
}

// readItem decodes a {singular: {...}} request body.
func readItem(c echo.Context, singular string) (map[string]any, error) {
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "reading body: "+err.Error())
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty body")
	}
	body, err := decodeEntity(b)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}
	item, ok := body[singular].(map[string]any)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("body must wrap the entity under %q", singular))
	}
	return item, nil
}

// entityID returns the :id route parameter unescaped. echo routes on the
// escaped path when the request has one, leaving %2F and friends in place.
func entityID(c echo.Context) (string, error) {
	id := c.Param("id")
	if c.Request().URL.RawPath == "" {
		return id, nil
	}
	unescaped, err := url.PathUnescape(id)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed id")
	}
	return unescaped, nil
}

// refID renders a reference field value the way entity ids are rendered.
func refID(v any) (string, bool) {
	return types.EntityID(map[string]any{types.IDField: v})
}
