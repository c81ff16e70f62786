// Package store provides storage backends for Wayline.
//
// It includes an in-memory store for tests and single-process deployments,
// plus SQLite and PostgreSQL backed stores for persistent deployments. All
// backends persist journey definitions, session records and execution state
// snapshots.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/wayline/wayline/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string. For SQLite this is a file
	// path; for PostgreSQL a connection URL or key=value string.
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store persists journey definitions, sessions and execution snapshots.
type Store interface {
	SaveDefinition(ctx context.Context, def *models.JourneyDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.JourneyDefinition, error)
	ListDefinitions(ctx context.Context) ([]*models.JourneyDefinition, error)

	SaveSession(ctx context.Context, session *models.AgentSession) error
	GetSession(ctx context.Context, sessionID string) (*models.AgentSession, error)
	DeleteSession(ctx context.Context, sessionID string) error

	SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error
	GetExecutionState(ctx context.Context, journeyID string) (*models.ExecutionContext, error)
	DeleteExecutionState(ctx context.Context, journeyID string) error

	Close() error
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = fmt.Errorf("record not found")

// InMemoryStore is a map-backed Store for tests and ephemeral deployments.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*models.JourneyDefinition
	sessions    map[string]*models.AgentSession
	executions  map[string]*models.ExecutionContext
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]*models.JourneyDefinition),
		sessions:    make(map[string]*models.AgentSession),
		executions:  make(map[string]*models.ExecutionContext),
	}
}

// SaveDefinition stores a journey definition, replacing any previous version.
func (s *InMemoryStore) SaveDefinition(_ context.Context, def *models.JourneyDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return nil
}

// GetDefinition returns the definition with the given id.
func (s *InMemoryStore) GetDefinition(_ context.Context, id string) (*models.JourneyDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return def, nil
}

// ListDefinitions returns all stored definitions.
func (s *InMemoryStore) ListDefinitions(_ context.Context) ([]*models.JourneyDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.JourneyDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	return out, nil
}

// SaveSession stores a session record, replacing any previous version.
func (s *InMemoryStore) SaveSession(_ context.Context, session *models.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	copied.ConversationHistory = append([]models.ConversationMessage(nil), session.ConversationHistory...)
	s.sessions[session.SessionID] = &copied
	return nil
}

// GetSession returns the session with the given id.
func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (*models.AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

// DeleteSession removes a session record. Missing ids are a no-op.
func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// SaveExecutionState stores an execution snapshot keyed by journey id.
func (s *InMemoryStore) SaveExecutionState(_ context.Context, ec *models.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ec
	s.executions[ec.JourneyID] = &copied
	return nil
}

// GetExecutionState returns the snapshot for a journey id.
func (s *InMemoryStore) GetExecutionState(_ context.Context, journeyID string) (*models.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ec, ok := s.executions[journeyID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", journeyID, ErrNotFound)
	}
	copied := *ec
	return &copied, nil
}

// DeleteExecutionState removes an execution snapshot. Missing ids are a no-op.
func (s *InMemoryStore) DeleteExecutionState(_ context.Context, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, journeyID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
