package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wayline/wayline/internal/engine"
	"github.com/wayline/wayline/internal/models"
)

// mockBroadcaster counts lifecycle notifications.
type mockBroadcaster struct {
	mu          sync.Mutex
	states      int
	progress    int
	errs        int
	completions int
}

func (m *mockBroadcaster) HandleStateChanged(_, _, _, _ string, _ *models.ProgressTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states++
}

func (m *mockBroadcaster) HandleProgressUpdated(_ string, _ *models.ProgressTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress++
}

func (m *mockBroadcaster) HandleError(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs++
}

func (m *mockBroadcaster) HandleCompleted(_ string, _ *models.ProgressTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions++
}

func (m *mockBroadcaster) counts() (int, int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states, m.progress, m.errs, m.completions
}

func chatJourney() *models.JourneyDefinition {
	return &models.JourneyDefinition{
		ID:    "def_onboarding",
		Title: "Onboarding",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "ask_name", Kind: models.StateKindChat, Name: "Ask name", Config: map[string]any{"prompt": "What's your name?"}},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "ask_name"},
			{ID: "t2", From: "ask_name", To: "done"},
		},
	}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return NewService(engine.NewEngine(), opts...)
}

func TestStartSessionAdvancesToFirstInput(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusWaitingInput {
		t.Fatalf("expected waiting_input after automated chain, got %s", sess.Status)
	}
	if sess.JourneyID == "" {
		t.Fatal("expected a journey id")
	}
}

func TestStartSessionRejectsInvalidDefinition(t *testing.T) {
	svc := newTestService(t)
	def := chatJourney()
	def.States = def.States[1:] // drop the initial state
	if _, err := svc.StartSession(context.Background(), def, "user1", "ws1", nil); !errors.Is(err, models.ErrMissingInitialState) {
		t.Fatalf("expected ErrMissingInitialState, got %v", err)
	}
}

func TestSendMessageCompletesJourney(t *testing.T) {
	bc := &mockBroadcaster{}
	svc := newTestService(t, WithBroadcaster(bc))
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	resp, err := svc.SendMessage(context.Background(), sess.SessionID, "Ada")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !resp.Completed {
		t.Fatal("expected completed response")
	}
	if resp.Status != models.SessionStatusCompleted {
		t.Fatalf("expected completed status, got %s", resp.Status)
	}

	_, _, _, completions := bc.counts()
	if completions != 1 {
		t.Errorf("expected 1 completion broadcast, got %d", completions)
	}

	// Messages after completion are rejected without advancing anything.
	resp, err = svc.SendMessage(context.Background(), sess.SessionID, "hello?")
	if err != nil {
		t.Fatalf("SendMessage after completion failed: %v", err)
	}
	if resp.Success || resp.Completed {
		t.Error("expected rejection response for ended session")
	}
	if resp.Status != models.SessionStatusCompleted {
		t.Errorf("status must stay completed, got %s", resp.Status)
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.SendMessage(context.Background(), "nope", "hi"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPausedSessionDoesNotAdvance(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	before, err := svc.SessionProgress(sess.SessionID)
	if err != nil {
		t.Fatalf("SessionProgress failed: %v", err)
	}

	if err := svc.PauseSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("PauseSession failed: %v", err)
	}

	resp, err := svc.SendMessage(context.Background(), sess.SessionID, "Ada")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.Status != models.SessionStatusPaused {
		t.Fatalf("expected paused status, got %s", resp.Status)
	}

	after, _ := svc.SessionProgress(sess.SessionID)
	if after.CompletionPercentage != before.CompletionPercentage {
		t.Fatal("paused session must not advance the execution")
	}

	if err := svc.ResumeSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	resp, _ = svc.SendMessage(context.Background(), sess.SessionID, "Ada")
	if !resp.Completed {
		t.Fatal("expected journey to complete after resume")
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	if err := svc.PauseSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("PauseSession failed: %v", err)
	}
	if err := svc.PauseSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("pausing a paused session must be a no-op, got %v", err)
	}

	// The second pause must not clobber the pre-pause status.
	if err := svc.ResumeSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	got, _ := svc.GetSession(sess.SessionID)
	if got.Status != models.SessionStatusWaitingInput {
		t.Fatalf("expected waiting_input restored after resume, got %s", got.Status)
	}
}

func TestPauseFromErrorStatus(t *testing.T) {
	svc := newTestService(t)
	// A conditional state with only a "true" branch and a condition that
	// evaluates false leaves the session in error status.
	def := &models.JourneyDefinition{
		ID:    "def_branching",
		Title: "Branching",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "check", Kind: models.StateKindConditional, Name: "Check", Config: map[string]any{"condition": "approved == yes"}},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "check"},
			{ID: "t2", From: "check", To: "done", Condition: "true"},
		},
	}
	sess, err := svc.StartSession(context.Background(), def, "user1", "ws1", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	got, _ := svc.GetSession(sess.SessionID)
	if got.Status != models.SessionStatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}

	if err := svc.PauseSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("pausing an errored session must succeed, got %v", err)
	}
	if err := svc.ResumeSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	got, _ = svc.GetSession(sess.SessionID)
	if got.Status != models.SessionStatusError {
		t.Fatalf("resume must restore the pre-pause status, got %s", got.Status)
	}
}

func TestPauseRejectedForEndedSession(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)
	svc.SendMessage(context.Background(), sess.SessionID, "Ada")

	if err := svc.PauseSession(context.Background(), sess.SessionID); err == nil {
		t.Fatal("pausing a completed session must fail")
	}
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	if err := svc.ResumeSession(context.Background(), sess.SessionID); !errors.Is(err, models.ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestTerminateTwiceReturnsNotFound(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	summary, err := svc.TerminateSession(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if summary.FinalStatus != models.SessionStatusTerminated {
		t.Errorf("expected terminated final status, got %s", summary.FinalStatus)
	}
	if summary.SessionID != sess.SessionID || summary.JourneyID != sess.JourneyID {
		t.Error("summary must reference the terminated session")
	}

	if _, err := svc.TerminateSession(context.Background(), sess.SessionID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second terminate, got %v", err)
	}
}

func TestTerminateSummaryCounts(t *testing.T) {
	svc := newTestService(t)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)
	svc.SendMessage(context.Background(), sess.SessionID, "Ada")

	summary, err := svc.TerminateSession(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if summary.StatesExecuted != 2 {
		t.Errorf("expected 2 states executed, got %d", summary.StatesExecuted)
	}
	if summary.UserInteractions != 1 {
		t.Errorf("expected 1 user interaction, got %d", summary.UserInteractions)
	}
}

// blockingAdapter parks tool invocations until released, so tests can hold a
// message in flight at a known point.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAdapter) InvokeTool(_ context.Context, _ string, _, _ map[string]any) (*engine.ToolOutcome, error) {
	close(a.started)
	<-a.release
	return &engine.ToolOutcome{Success: true, Output: "deployed"}, nil
}

func TestTerminateWaitsForInFlightMessage(t *testing.T) {
	ad := &blockingAdapter{started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(engine.NewEngine(engine.WithToolAdapter(ad)))

	def := &models.JourneyDefinition{
		ID:    "def_deploy",
		Title: "Deploy",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "ask", Kind: models.StateKindChat, Name: "Ask", Config: map[string]any{"prompt": "Ship it?"}},
			{ID: "run", Kind: models.StateKindTool, Name: "Run", Config: map[string]any{"tool": "deploy"}},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "ask"},
			{ID: "t2", From: "ask", To: "run"},
			{ID: "t3", From: "run", To: "done"},
		},
	}
	sess, err := svc.StartSession(context.Background(), def, "user1", "ws1", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	sent := make(chan struct{})
	go func() {
		svc.SendMessage(context.Background(), sess.SessionID, "yes")
		close(sent)
	}()
	<-ad.started

	summaries := make(chan *models.ExecutionSummary, 1)
	go func() {
		summary, terr := svc.TerminateSession(context.Background(), sess.SessionID)
		if terr != nil {
			t.Errorf("TerminateSession failed: %v", terr)
		}
		summaries <- summary
	}()

	// Termination must wait for the in-flight message.
	select {
	case <-summaries:
		t.Fatal("terminate completed while a message was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ad.release)
	<-sent
	summary := <-summaries
	if summary == nil {
		t.Fatal("expected a summary")
	}
	if summary.ToolExecutions != 1 {
		t.Errorf("summary must include the in-flight tool run, got %d", summary.ToolExecutions)
	}
	if summary.StatesExecuted != 3 {
		t.Errorf("summary must cover the whole journey, got %d states", summary.StatesExecuted)
	}
}

func TestReaperTerminatesIdleSessions(t *testing.T) {
	svc := newTestService(t,
		WithTimeout(20*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
	)
	sess, _ := svc.StartSession(context.Background(), chatJourney(), "user1", "ws1", nil)

	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.GetSession(sess.SessionID); errors.Is(err, models.ErrSessionNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle session was not reaped")
}
