// Package devserver implements a development backend for the pantry HTTP
// contract: entities are kept in SQLite, seeded from and written back to one
// JSONL file per type, and served over echo with side-loading of referenced
// entities.
package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/pantry/internal/logging"
	"github.com/mesh-intelligence/pantry/pkg/types"
)

// Store errors.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrExists          = errors.New("entity already exists")
	ErrUnknownType     = errors.New("unknown type")
	ErrDetached        = errors.New("store is not attached")
	ErrAlreadyAttached = errors.New("store is already attached")
)

// dbFile is the SQLite file inside the data dir. It is rebuilt from the
// JSONL files on every Attach.
const dbFile = "pantry.db"

// Store holds entities in SQLite with the JSONL files in DataDir as the
// source of truth. Every mutation rewrites the type's JSONL file.
type Store struct {
	mu       sync.RWMutex
	attached bool
	dataDir  string
	db       *sql.DB
	plurals  map[string]string // singular -> plural
	logger   *slog.Logger
}

// NewStore creates a store that is not attached; call Attach before use.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{logger: logger}
}

// Attach creates dataDir if needed, builds a fresh database, and loads
// <plural>.jsonl for every type. Loading is transactional.
func (s *Store) Attach(dataDir string, regs []types.TypeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached {
		return ErrAlreadyAttached
	}
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFile)
	_ = os.Remove(dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	plurals := make(map[string]string, len(regs))
	for _, tc := range regs {
		if err := tc.Validate(); err != nil {
			db.Close()
			return err
		}
		plurals[tc.Singular] = tc.Plural
	}

	if err := s.loadAll(db, dataDir, plurals); err != nil {
		db.Close()
		return fmt.Errorf("loading JSONL: %w", err)
	}

	s.db = db
	s.dataDir = dataDir
	s.plurals = plurals
	s.attached = true
	return nil
}

// Detach closes the database. It is idempotent.
func (s *Store) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return nil
	}
	s.attached = false
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	return nil
}

func (s *Store) loadAll(db *sql.DB, dataDir string, plurals map[string]string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO entities (type, id, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(type, id) DO UPDATE SET body = excluded.body`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := timestamp()
	for singular, plural := range plurals {
		records, skipped, err := readJSONL(jsonlFile(dataDir, plural))
		if err != nil {
			return err
		}
		if skipped > 0 {
			s.logger.Warn("skipped malformed JSONL lines", "type", singular, "count", skipped)
		}
		for _, rec := range records {
			if _, err := stmt.Exec(singular, rec.id, string(rec.body), now); err != nil {
				return fmt.Errorf("loading %s %s: %w", singular, rec.id, err)
			}
		}
		s.logger.Debug("loaded entities", "type", singular, "count", len(records))
	}
	return tx.Commit()
}

// check returns the plural for singular. The caller must hold s.mu.
func (s *Store) check(singular string) (string, error) {
	if !s.attached {
		return "", ErrDetached
	}
	plural, ok := s.plurals[singular]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, singular)
	}
	return plural, nil
}

// Get returns one entity.
func (s *Store) Get(ctx context.Context, singular, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.check(singular); err != nil {
		return nil, err
	}
	return s.get(ctx, singular, id)
}

func (s *Store) get(ctx context.Context, singular, id string) (map[string]any, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM entities WHERE type = ? AND id = ?", singular, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, singular, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s %s: %w", singular, id, err)
	}
	return decodeEntity([]byte(body))
}

// GetMany returns the entities among ids that exist, in the order given.
// Missing ids are skipped.
func (s *Store) GetMany(ctx context.Context, singular string, ids []string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.check(singular); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		obj, err := s.get(ctx, singular, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// List returns every entity of the type in insertion order.
func (s *Store) List(ctx context.Context, singular string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.check(singular); err != nil {
		return nil, err
	}
	bodies, err := s.bodies(ctx, singular)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(bodies))
	for _, b := range bodies {
		obj, err := decodeEntity(b)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", singular, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

func (s *Store) bodies(ctx context.Context, singular string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM entities WHERE type = ? ORDER BY rowid", singular)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", singular, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(body))
	}
	return out, rows.Err()
}

// Insert stores a new entity. An id is generated when obj has none; the
// stored entity is returned. Fails with ErrExists when the id is taken.
func (s *Store) Insert(ctx context.Context, singular string, obj map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plural, err := s.check(singular)
	if err != nil {
		return nil, err
	}
	id, ok := types.EntityID(obj)
	if !ok {
		id = generateUUID()
		obj[types.IDField] = id
	}
	if _, err := s.get(ctx, singular, id); err == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrExists, singular, id)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.write(ctx, singular, plural, id, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Put stores obj under id, replacing any previous entity. The payload's id
// field is forced to id.
func (s *Store) Put(ctx context.Context, singular, id string, obj map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plural, err := s.check(singular)
	if err != nil {
		return nil, err
	}
	obj[types.IDField] = id
	if err := s.write(ctx, singular, plural, id, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Patch merges the top-level fields of patch into the existing entity.
func (s *Store) Patch(ctx context.Context, singular, id string, patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plural, err := s.check(singular)
	if err != nil {
		return nil, err
	}
	obj, err := s.get(ctx, singular, id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		obj[k] = v
	}
	obj[types.IDField] = id
	if err := s.write(ctx, singular, plural, id, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete removes an entity.
func (s *Store) Delete(ctx context.Context, singular, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plural, err := s.check(singular)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE type = ? AND id = ?", singular, id)
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", singular, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, singular, id)
	}
	return s.persist(ctx, singular, plural)
}

// write upserts one row and rewrites the JSONL file. The caller must hold
// the write lock.
func (s *Store) write(ctx context.Context, singular, plural, id string, obj map[string]any) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", singular, id, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO entities (type, id, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(type, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		singular, id, string(body), timestamp())
	if err != nil {
		return fmt.Errorf("storing %s %s: %w", singular, id, err)
	}
	return s.persist(ctx, singular, plural)
}

// persist rewrites <plural>.jsonl from the table.
func (s *Store) persist(ctx context.Context, singular, plural string) error {
	bodies, err := s.bodies(ctx, singular)
	if err != nil {
		return err
	}
	if err := writeJSONL(jsonlFile(s.dataDir, plural), bodies); err != nil {
		return fmt.Errorf("persisting %s: %w", plural, err)
	}
	return nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// generateUUID generates a UUID v7 for new entity ids.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
