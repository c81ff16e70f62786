// Package session manages agent session lifecycle around journey executions:
// creation, message routing, pause/resume, termination and idle reaping. It
// treats the execution engine as a black box reached only through its public
// operations.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayline/wayline/internal/engine"
	"github.com/wayline/wayline/internal/models"
)

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Broadcaster receives execution lifecycle notifications. Implementations
// must not block; the session service calls these inline.
type Broadcaster interface {
	HandleStateChanged(journeyID, sessionID, stateID, stateName string, progress *models.ProgressTracker)
	HandleProgressUpdated(journeyID string, progress *models.ProgressTracker)
	HandleError(journeyID, message string)
	HandleCompleted(journeyID string, progress *models.ProgressTracker)
}

// Persistence optionally saves session records. Failures are logged, never
// surfaced to callers.
type Persistence interface {
	SaveSession(ctx context.Context, session *models.AgentSession) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// entry wraps a session with service-internal bookkeeping.
type entry struct {
	session      *models.AgentSession
	prevStateID  string
	prePause     models.SessionStatus
	lastProgress *models.ProgressTracker
	summary      *models.ExecutionSummary
	interactions int

	// opMu serializes engine-advancing operations (message processing,
	// termination) so the reaper can never tear down a session while a step
	// is still in flight.
	opMu sync.Mutex
}

// Opts holds configuration options for the session service.
type Opts struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Broadcaster   Broadcaster
	Persist       Persistence
}

// Option defines a configuration option for the session service.
type Option func(*Opts)

// WithTimeout sets the idle timeout after which sessions are reaped.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithSweepInterval sets how often the reaper scans for idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// WithBroadcaster wires execution lifecycle notifications to a broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Opts) { o.Broadcaster = b }
}

// WithPersistence enables saving session records to a store.
func WithPersistence(p Persistence) Option {
	return func(o *Opts) { o.Persist = p }
}

// Service manages agent sessions. Statuses completed and terminated are
// absorbing: once reached, no operation moves the session elsewhere.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	eng           *engine.Engine
	broadcaster   Broadcaster
	persist       Persistence
	timeout       time.Duration
	sweepInterval time.Duration

	done    chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// NewService creates a session service on top of the given engine.
func NewService(eng *engine.Engine, opts ...Option) *Service {
	cfg := Opts{Timeout: defaultSessionTimeout, SweepInterval: defaultSweepInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Session.NewService: creating service", "timeout", cfg.Timeout, "sweepInterval", cfg.SweepInterval)
	return &Service{
		sessions:      make(map[string]*entry),
		eng:           eng,
		broadcaster:   cfg.Broadcaster,
		persist:       cfg.Persist,
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		done:          make(chan struct{}),
	}
}

// StartSession creates a session for the given journey definition, starts its
// execution and advances through any automated states until the engine needs
// input or the journey ends. The sink receives user-facing output.
func (s *Service) StartSession(ctx context.Context, def *models.JourneyDefinition, userID, workspaceID string, sink engine.OutputSink) (*models.AgentSession, error) {
	slog.Debug("Session.StartSession: starting session", "definitionID", def.ID, "userID", userID)

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journey definition %s: %w", def.ID, err)
	}

	now := time.Now()
	sess := &models.AgentSession{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Status:       models.SessionStatusInitializing,
		StartTime:    now,
		LastActivity: now,
	}

	ec, err := s.eng.InitializeExecution(ctx, def, sess.SessionID, userID, workspaceID, sink)
	if err != nil {
		slog.Error("Session.StartSession: engine initialization failed", "error", err, "definitionID", def.ID)
		return nil, fmt.Errorf("failed to initialize execution: %w", err)
	}
	sess.JourneyID = ec.JourneyID
	sess.Status = models.SessionStatusActive

	ent := &entry{session: sess, prevStateID: ec.CurrentStateID}
	ent.opMu.Lock()
	s.mu.Lock()
	s.sessions[sess.SessionID] = ent
	s.mu.Unlock()

	// Run the initial automated chain so the session lands on the first
	// state that actually needs the user.
	res := s.eng.ProcessInput(ctx, sess.JourneyID, "", nil)
	s.applyResult(ctx, ent, res)
	ent.opMu.Unlock()

	s.saveSession(ctx, sess)
	slog.Info("Session.StartSession: session started", "sessionID", sess.SessionID, "journeyID", sess.JourneyID, "status", sess.Status)
	return s.copySession(ent), nil
}

// SendMessage routes one user message into the session's execution and
// returns the agent-facing response. Messages to completed or terminated
// sessions are rejected; messages to paused sessions are acknowledged without
// advancing the execution.
func (s *Service) SendMessage(ctx context.Context, sessionID, message string) (*models.AgentResponse, error) {
	ent := s.lookup(sessionID)
	if ent == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	ent.opMu.Lock()
	defer ent.opMu.Unlock()

	s.mu.Lock()
	sess := ent.session
	now := time.Now()

	if sess.Status.Absorbing() {
		status := sess.Status
		s.mu.Unlock()
		slog.Debug("Session.SendMessage: message to ended session rejected", "sessionID", sessionID, "status", status)
		return &models.AgentResponse{
			SessionID: sessionID,
			Message:   fmt.Sprintf("This session has ended (%s). Start a new session to run another journey.", status),
			Status:    status,
			Timestamp: now,
		}, nil
	}

	sess.LastActivity = now
	ent.interactions++
	sess.ConversationHistory = append(sess.ConversationHistory, models.ConversationMessage{
		Role: "user", Content: message, Timestamp: now,
	})

	if sess.Status == models.SessionStatusPaused {
		s.mu.Unlock()
		slog.Debug("Session.SendMessage: session paused, not advancing", "sessionID", sessionID)
		return &models.AgentResponse{
			SessionID: sessionID,
			Message:   "The session is paused. Resume it to continue the journey.",
			Status:    models.SessionStatusPaused,
			Timestamp: now,
		}, nil
	}
	journeyID := sess.JourneyID
	s.mu.Unlock()

	res := s.eng.ProcessInput(ctx, journeyID, message, nil)
	s.applyResult(ctx, ent, res)

	s.mu.Lock()
	resp := &models.AgentResponse{
		SessionID:         sessionID,
		Message:           responseMessage(res),
		Success:           res.Success,
		UserInputRequired: res.UserInputRequired,
		Completed:         res.Completed,
		Status:            sess.Status,
		Suggestions:       suggestionsFor(sess.Status, res),
		Timestamp:         time.Now(),
	}
	sess.ConversationHistory = append(sess.ConversationHistory, models.ConversationMessage{
		Role: "assistant", Content: resp.Message, Timestamp: resp.Timestamp,
	})
	s.mu.Unlock()

	s.saveSession(ctx, sess)
	return resp, nil
}

// PauseSession pauses a session in any non-absorbing status. Pausing an
// already paused session is a no-op. The underlying execution context is
// retained untouched.
func (s *Service) PauseSession(_ context.Context, sessionID string) error {
	ent := s.lookup(sessionID)
	if ent == nil {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ent.session.Status.Absorbing():
		return fmt.Errorf("cannot pause session %s in status %s", sessionID, ent.session.Status)
	case ent.session.Status == models.SessionStatusPaused:
		slog.Debug("Session.PauseSession: session already paused", "sessionID", sessionID)
		return nil
	default:
		ent.prePause = ent.session.Status
		ent.session.Status = models.SessionStatusPaused
		ent.session.LastActivity = time.Now()
		slog.Info("Session.PauseSession: session paused", "sessionID", sessionID)
		return nil
	}
}

// ResumeSession resumes a paused session, restoring its pre-pause status.
// Fails with ErrNotPaused for sessions in any other status.
func (s *Service) ResumeSession(_ context.Context, sessionID string) error {
	ent := s.lookup(sessionID)
	if ent == nil {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent.session.Status != models.SessionStatusPaused {
		return fmt.Errorf("session %s in status %s: %w", sessionID, ent.session.Status, models.ErrNotPaused)
	}
	restored := ent.prePause
	if restored == "" {
		restored = models.SessionStatusActive
	}
	ent.session.Status = restored
	ent.session.LastActivity = time.Now()
	slog.Info("Session.ResumeSession: session resumed", "sessionID", sessionID, "status", restored)
	return nil
}

// TerminateSession tears the session down: the execution context is released
// and an execution summary returned. A second terminate for the same id fails
// with ErrSessionNotFound.
func (s *Service) TerminateSession(ctx context.Context, sessionID string) (*models.ExecutionSummary, error) {
	ent := s.lookup(sessionID)
	if ent == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	// Wait out any in-flight message so the summary covers the work the
	// engine is still finishing and the cleanup never races it.
	ent.opMu.Lock()
	defer ent.opMu.Unlock()

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	delete(s.sessions, sessionID)
	ent.session.Status = models.SessionStatusTerminated
	summary := s.buildSummaryLocked(ent, models.SessionStatusTerminated)
	journeyID := ent.session.JourneyID
	s.mu.Unlock()

	s.eng.Cleanup(journeyID)
	if s.persist != nil {
		if err := s.persist.DeleteSession(ctx, sessionID); err != nil {
			slog.Warn("Session.TerminateSession: failed to delete persisted session", "error", err, "sessionID", sessionID)
		}
	}
	slog.Info("Session.TerminateSession: session terminated", "sessionID", sessionID, "journeyID", journeyID)
	return summary, nil
}

// GetSession returns a copy of the session record.
func (s *Service) GetSession(sessionID string) (*models.AgentSession, error) {
	ent := s.lookup(sessionID)
	if ent == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copySession(ent), nil
}

// SessionProgress returns the progress snapshot for the session's journey.
// After completion the last observed snapshot is served.
func (s *Service) SessionProgress(sessionID string) (*models.ProgressTracker, error) {
	ent := s.lookup(sessionID)
	if ent == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	s.mu.RLock()
	journeyID := ent.session.JourneyID
	last := ent.lastProgress
	s.mu.RUnlock()

	tracker, err := s.eng.Progress(journeyID)
	if err != nil {
		if last != nil {
			return last.Clone(), nil
		}
		return nil, err
	}
	return tracker, nil
}

// ActiveSessions returns copies of all sessions currently registered.
func (s *Service) ActiveSessions() []*models.AgentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentSession, 0, len(s.sessions))
	for _, ent := range s.sessions {
		out = append(out, s.copySession(ent))
	}
	return out
}

// Start launches the idle-session reaper.
func (s *Service) Start(ctx context.Context) {
	slog.Debug("Session.Start: starting reaper", "timeout", s.timeout, "sweepInterval", s.sweepInterval)
	go s.reapLoop(ctx)
}

// Stop halts the reaper. Safe to call multiple times.
func (s *Service) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	slog.Debug("Session.Stop: reaper stopped")
}

func (s *Service) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.reapIdle(ctx)
		}
	}
}

// reapIdle terminates sessions whose last activity is older than the timeout.
func (s *Service) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)

	s.mu.RLock()
	var idle []string
	for id, ent := range s.sessions {
		if ent.session.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range idle {
		slog.Info("Session.reapIdle: terminating idle session", "sessionID", id, "timeout", s.timeout)
		if _, err := s.TerminateSession(ctx, id); err != nil {
			slog.Warn("Session.reapIdle: failed to terminate idle session", "error", err, "sessionID", id)
		}
	}
}

// lookup returns the entry for a session id, or nil.
func (s *Service) lookup(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// applyResult folds an engine result into session status and broadcasts the
// corresponding lifecycle events.
func (s *Service) applyResult(ctx context.Context, ent *entry, res *models.ExecutionResult) {
	s.mu.Lock()
	sess := ent.session
	stateChanged := res.StateID != "" && res.StateID != ent.prevStateID
	if res.StateID != "" {
		ent.prevStateID = res.StateID
	}
	if res.Progress != nil {
		ent.lastProgress = res.Progress
	}

	switch {
	case res.Err != nil && !res.Recoverable:
		sess.Status = models.SessionStatusError
	case res.Err != nil:
		// Recoverable tool failure: session stays usable.
		sess.Status = models.SessionStatusActive
	case res.Completed:
		sess.Status = models.SessionStatusCompleted
		ent.summary = s.buildSummaryLocked(ent, models.SessionStatusCompleted)
	case res.UserInputRequired:
		sess.Status = models.SessionStatusWaitingInput
	default:
		sess.Status = models.SessionStatusActive
	}
	journeyID := sess.JourneyID
	sessionID := sess.SessionID
	s.mu.Unlock()

	if s.broadcaster != nil {
		if stateChanged && res.Progress != nil {
			s.broadcaster.HandleStateChanged(journeyID, sessionID, res.StateID, res.Progress.CurrentStateName, res.Progress)
		}
		if res.Progress != nil {
			s.broadcaster.HandleProgressUpdated(journeyID, res.Progress)
		}
		if res.Err != nil {
			s.broadcaster.HandleError(journeyID, res.Err.Error())
		}
		if res.Completed {
			s.broadcaster.HandleCompleted(journeyID, res.Progress)
		}
	}

	if res.Completed {
		// The execution context is no longer needed once the journey ends.
		s.eng.Cleanup(journeyID)
		s.saveSession(ctx, ent.session)
	}
}

// buildSummaryLocked assembles an execution summary. Caller holds s.mu.
func (s *Service) buildSummaryLocked(ent *entry, final models.SessionStatus) *models.ExecutionSummary {
	if ent.summary != nil {
		out := *ent.summary
		out.FinalStatus = final
		return &out
	}
	summary := &models.ExecutionSummary{
		SessionID:        ent.session.SessionID,
		JourneyID:        ent.session.JourneyID,
		UserInteractions: ent.interactions,
		Duration:         time.Since(ent.session.StartTime),
		FinalStatus:      final,
	}
	if ent.lastProgress != nil {
		summary.StatesExecuted = ent.lastProgress.CompletedStates
	}
	if snap, err := s.eng.Snapshot(ent.session.JourneyID); err == nil {
		summary.ToolExecutions = len(snap.ToolResults)
		summary.StatesExecuted = snap.Progress.CompletedStates
	}
	return summary
}

func (s *Service) copySession(ent *entry) *models.AgentSession {
	out := *ent.session
	out.ConversationHistory = append([]models.ConversationMessage(nil), ent.session.ConversationHistory...)
	return &out
}

func (s *Service) saveSession(ctx context.Context, sess *models.AgentSession) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSession(ctx, sess); err != nil {
		slog.Warn("Session.saveSession: failed to persist session", "error", err, "sessionID", sess.SessionID)
	}
}

// responseMessage picks the user-facing message for an engine result,
// degrading to generic guidance when the engine produced none.
func responseMessage(res *models.ExecutionResult) string {
	if res.Err != nil {
		if res.Recoverable {
			return fmt.Sprintf("A step failed but the journey can continue: %s. Send 'retry' to try again.", res.Err)
		}
		return fmt.Sprintf("The journey hit a problem it cannot recover from: %s.", res.Err)
	}
	if res.Response != "" {
		return res.Response
	}
	if res.Completed {
		return "The journey is complete."
	}
	return "Okay."
}

// suggestionsFor derives next-action hints from the session status.
func suggestionsFor(status models.SessionStatus, res *models.ExecutionResult) []string {
	switch {
	case res.Err != nil && res.Recoverable:
		return []string{"retry", "status", "exit"}
	case status == models.SessionStatusError:
		return []string{"status", "exit"}
	case status == models.SessionStatusCompleted:
		return []string{"exit"}
	case status == models.SessionStatusWaitingInput:
		return []string{"status", "help"}
	default:
		return nil
	}
}
