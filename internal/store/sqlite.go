// Package store provides storage backends for Wayline.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wayline/wayline/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists Wayline records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the database file; the containing directory is created when
// missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveDefinition upserts a journey definition as a JSON document.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *models.JourneyDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journey_definitions (id, title, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, payload = excluded.payload`,
		def.ID, def.Title, string(payload))
	if err != nil {
		slog.Error("SQLiteStore SaveDefinition failed", "error", err, "definitionID", def.ID)
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	slog.Debug("SQLiteStore SaveDefinition succeeded", "definitionID", def.ID)
	return nil
}

// GetDefinition loads a journey definition by id.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*models.JourneyDefinition, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM journey_definitions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetDefinition failed", "error", err, "definitionID", id)
		return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
	}
	var def models.JourneyDefinition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

// ListDefinitions loads every stored journey definition.
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*models.JourneyDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM journey_definitions`)
	if err != nil {
		slog.Error("SQLiteStore ListDefinitions query failed", "error", err)
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var out []*models.JourneyDefinition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan definition row: %w", err)
		}
		var def models.JourneyDefinition
		if err := json.Unmarshal([]byte(payload), &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition row: %w", err)
		}
		out = append(out, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate definition rows: %w", err)
	}
	slog.Debug("SQLiteStore ListDefinitions succeeded", "count", len(out))
	return out, nil
}

// SaveSession upserts a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.AgentSession) error {
	history, err := json.Marshal(session.ConversationHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, journey_id, user_id, workspace_id, status, start_time, last_activity, history)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status, last_activity = excluded.last_activity, history = excluded.history`,
		session.SessionID, session.JourneyID, session.UserID, session.WorkspaceID,
		string(session.Status), session.StartTime, session.LastActivity, string(history))
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", session.SessionID)
		return fmt.Errorf("failed to save session %s: %w", session.SessionID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", session.SessionID, "status", session.Status)
	return nil
}

// GetSession loads a session record by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, journey_id, user_id, workspace_id, status, start_time, last_activity, history
		 FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return session, nil
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// SaveExecutionState upserts an execution snapshot as a JSON document.
func (s *SQLiteStore) SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error {
	payload, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_state (journey_id, session_id, payload) VALUES (?, ?, ?)
		 ON CONFLICT(journey_id) DO UPDATE SET payload = excluded.payload`,
		ec.JourneyID, ec.SessionID, string(payload))
	if err != nil {
		slog.Error("SQLiteStore SaveExecutionState failed", "error", err, "journeyID", ec.JourneyID)
		return fmt.Errorf("failed to save execution state %s: %w", ec.JourneyID, err)
	}
	return nil
}

// GetExecutionState loads an execution snapshot by journey id.
func (s *SQLiteStore) GetExecutionState(ctx context.Context, journeyID string) (*models.ExecutionContext, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM execution_state WHERE journey_id = ?`, journeyID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", journeyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution state %s: %w", journeyID, err)
	}
	var ec models.ExecutionContext
	if err := json.Unmarshal([]byte(payload), &ec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state %s: %w", journeyID, err)
	}
	return &ec, nil
}

// DeleteExecutionState removes an execution snapshot.
func (s *SQLiteStore) DeleteExecutionState(ctx context.Context, journeyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_state WHERE journey_id = ?`, journeyID); err != nil {
		return fmt.Errorf("failed to delete execution state %s: %w", journeyID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
