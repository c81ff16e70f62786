// Package store provides storage backends for Wayline.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/wayline/wayline/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists Wayline records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveDefinition upserts a journey definition as a JSON document.
func (s *PostgresStore) SaveDefinition(ctx context.Context, def *models.JourneyDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journey_definitions (id, title, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, payload = EXCLUDED.payload`,
		def.ID, def.Title, string(payload))
	if err != nil {
		slog.Error("PostgresStore SaveDefinition failed", "error", err, "definitionID", def.ID)
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads a journey definition by id.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*models.JourneyDefinition, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM journey_definitions WHERE id = $1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetDefinition failed", "error", err, "definitionID", id)
		return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
	}
	var def models.JourneyDefinition
	if err := json.Unmarshal([]byte(payload), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

// ListDefinitions loads every stored journey definition.
func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*models.JourneyDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM journey_definitions`)
	if err != nil {
		slog.Error("PostgresStore ListDefinitions query failed", "error", err)
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
	return out, nil
}

// SaveSession upserts a session record.
func (s *PostgresStore) SaveSession(ctx context.Context, session *models.AgentSession) error {
	history, err := json.Marshal(session.ConversationHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, journey_id, user_id, workspace_id, status, start_time, last_activity, history)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status, last_activity = EXCLUDED.last_activity, history = EXCLUDED.history`,
		session.SessionID, session.JourneyID, session.UserID, session.WorkspaceID,
		string(session.Status), session.StartTime, session.LastActivity, string(history))
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", session.SessionID)
		return fmt.Errorf("failed to save session %s: %w", session.SessionID, err)
	}
	return nil
}

// GetSession loads a session record by id.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, journey_id, user_id, workspace_id, status, start_time, last_activity, history
		 FROM sessions WHERE session_id = $1`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return session, nil
}

// DeleteSession removes a session record.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// SaveExecutionState upserts an execution snapshot as a JSON document.
func (s *PostgresStore) SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error {
	payload, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_state (journey_id, session_id, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (journey_id) DO UPDATE SET payload = EXCLUDED.payload`,
		ec.JourneyID, ec.SessionID, string(payload))
	if err != nil {
		slog.Error("PostgresStore SaveExecutionState failed", "error", err, "journeyID", ec.JourneyID)
		return fmt.Errorf("failed to save execution state %s: %w", ec.JourneyID, err)
	}
	return nil
}

// GetExecutionState loads an execution snapshot by journey id.
func (s *PostgresStore) GetExecutionState(ctx context.Context, journeyID string) (*models.ExecutionContext, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM execution_state WHERE journey_id = $1`, journeyID).Scan(&payload)
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
func (s *PostgresStore) DeleteExecutionState(ctx context.Context, journeyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_state WHERE journey_id = $1`, journeyID); err != nil {
		return fmt.Errorf("failed to delete execution state %s: %w", journeyID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
