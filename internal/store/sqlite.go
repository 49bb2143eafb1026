package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/nonsense/internal/model"

	_ "modernc.org/sqlite"
)

const createEntitiesTable = `
CREATE TABLE IF NOT EXISTS entities (
    name        TEXT PRIMARY KEY,
    components  TEXT NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS transitions (
    id          TEXT PRIMARY KEY,
    entity      TEXT NOT NULL,
    op          TEXT NOT NULL,
    result      TEXT NOT NULL,
    error_name  TEXT,
    error       TEXT,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createTransitionsIndex = `
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity, started_at)`

// ResultPending marks a transition that has not finished yet.
const ResultPending = "pending"

// ErrNotFound is returned when an entity or transition is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createEntitiesTable, createTransitionsTable, createTransitionsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutEntity inserts or replaces an entity definition.
func (s *SQLiteStore) PutEntity(ctx context.Context, e *model.Entity) error {
	components, err := json.Marshal(e.Components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (name, components, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET components = excluded.components, updated_at = excluded.updated_at`,
		e.Name, string(components), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity definition by name.
func (s *SQLiteStore) GetEntity(ctx context.Context, name string) (*model.Entity, error) {
	var components string
	e := &model.Entity{}
	err := s.db.QueryRowContext(ctx,
		"SELECT name, components, updated_at FROM entities WHERE name = ?", name,
	).Scan(&e.Name, &components, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &e.Components); err != nil {
		return nil, fmt.Errorf("decode components of %s: %w", name, err)
	}
	return e, nil
}

// ListEntities returns every entity definition ordered by name.
func (s *SQLiteStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, components, updated_at FROM entities ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []*model.Entity
	for rows.Next() {
		var components string
		e := &model.Entity{}
		if err := rows.Scan(&e.Name, &components, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(components), &e.Components); err != nil {
			return nil, fmt.Errorf("decode components of %s: %w", e.Name, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// DeleteEntity removes an entity definition. Its history is kept.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTransition records the beginning of a start or stop.
func (s *SQLiteStore) CreateTransition(ctx context.Context, tr *model.Transition) error {
	if tr.Result == "" {
		tr.Result = ResultPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, entity, op, result, error_name, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Entity, tr.Op, tr.Result, tr.ErrorName, tr.Error, tr.StartedAt, tr.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// FinishTransition sets the outcome of a recorded transition.
func (s *SQLiteStore) FinishTransition(ctx context.Context, id, result, errName, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE transitions SET result = ?, error_name = ?, error = ?, finished_at = ? WHERE id = ?",
		result, errName, errMsg, at, id,
	)
	if err != nil {
		return fmt.Errorf("finish transition: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTransitions returns the most recent transitions of an entity, newest
// first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, entity string, limit int) ([]*model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity, op, result, error_name, error, started_at, finished_at
		FROM transitions WHERE entity = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		entity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transition
	for rows.Next() {
		tr := &model.Transition{}
		var errName, errMsg sql.NullString
		if err := rows.Scan(&tr.ID, &tr.Entity, &tr.Op, &tr.Result, &errName, &errMsg,
			&tr.StartedAt, &tr.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.ErrorName = errName.String
		tr.Error = errMsg.String
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
