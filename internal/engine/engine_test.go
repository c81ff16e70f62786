package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/wayline/wayline/internal/models"
)

// recordSink collects sink calls for assertions.
type recordSink struct {
	messages    []string
	errs        []error
	completions int
	progress    []int
}

func (s *recordSink) SendMessage(_ context.Context, message string) error {
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordSink) RequestInput(_ context.Context, prompt string) (string, error) {
	s.messages = append(s.messages, prompt)
	return "", nil
}

func (s *recordSink) ShowProgress(_ context.Context, tracker *models.ProgressTracker) error {
	s.progress = append(s.progress, tracker.CompletionPercentage)
	return nil
}

func (s *recordSink) DisplayError(_ context.Context, err error) error {
	s.errs = append(s.errs, err)
	return nil
}

func (s *recordSink) NotifyCompletion(_ context.Context, _ *models.ExecutionResult) error {
	s.completions++
	return nil
}

// mockTools is a scriptable tool adapter.
type mockTools struct {
	calls    []string
	failures map[string]int // remaining failures per tool id
}

func (m *mockTools) InvokeTool(_ context.Context, toolID string, _ map[string]any, _ map[string]any) (*ToolOutcome, error) {
	m.calls = append(m.calls, toolID)
	if m.failures[toolID] > 0 {
		m.failures[toolID]--
		return &ToolOutcome{Success: false, Error: "boom"}, nil
	}
	return &ToolOutcome{Success: true, Output: "ok:" + toolID}, nil
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

func toolJourney(toolID string) *models.JourneyDefinition {
	return &models.JourneyDefinition{
		ID:    "def_deploy",
		Title: "Deploy",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "run", Kind: models.StateKindTool, Name: "Run tool", Config: map[string]any{"tool": toolID}},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "run"},
			{ID: "t2", From: "run", To: "done"},
		},
	}
}

func startExecution(t *testing.T, e *Engine, def *models.JourneyDefinition, sink OutputSink) string {
	t.Helper()
	ec, err := e.InitializeExecution(context.Background(), def, "sess1", "user1", "ws1", sink)
	if err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	return ec.JourneyID
}

func TestChatJourneyWaitsForInputThenCompletes(t *testing.T) {
	e := NewEngine()
	sink := &recordSink{}
	id := startExecution(t, e, chatJourney(), sink)

	// The kick-off input arrived before the chat state was entered, so the
	// execution must pause at the prompt.
	res := e.ProcessInput(context.Background(), id, "", nil)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.UserInputRequired {
		t.Fatal("expected execution to wait for input at the chat state")
	}
	if res.StateID != "ask_name" {
		t.Errorf("expected state ask_name, got %s", res.StateID)
	}
	if res.Progress.CompletionPercentage != 50 {
		t.Errorf("expected 50%% after entering chat state, got %d", res.Progress.CompletionPercentage)
	}

	res = e.ProcessInput(context.Background(), id, "Ada", nil)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.Completed {
		t.Fatal("expected journey to complete after chat input")
	}
	if res.Progress.CompletionPercentage != 100 {
		t.Errorf("expected 100%% at completion, got %d", res.Progress.CompletionPercentage)
	}
	if sink.completions != 1 {
		t.Errorf("expected 1 completion notification, got %d", sink.completions)
	}

	snap, err := e.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got := snap.ExecutionState["input:ask_name"]; got != "Ada" {
		t.Errorf("expected captured input Ada, got %v", got)
	}
}

func TestInitializeExecutionSendsWelcome(t *testing.T) {
	e := NewEngine()
	sink := &recordSink{}
	def := chatJourney()
	def.Description = "Sets up your account."
	startExecution(t, e, def, sink)

	if len(sink.messages) == 0 {
		t.Fatal("expected a welcome message")
	}
	if want := "Welcome to Onboarding! Sets up your account."; sink.messages[0] != want {
		t.Errorf("welcome = %q, want %q", sink.messages[0], want)
	}
}

func TestInitializeExecutionMissingInitialState(t *testing.T) {
	e := NewEngine()
	def := &models.JourneyDefinition{
		ID:     "broken",
		States: []models.JourneyState{{ID: "done", Kind: models.StateKindFinal, Name: "Done"}},
	}
	_, err := e.InitializeExecution(context.Background(), def, "s", "u", "w", nil)
	if !errors.Is(err, models.ErrMissingInitialState) {
		t.Fatalf("expected ErrMissingInitialState, got %v", err)
	}
}

func TestProcessInputUnknownExecution(t *testing.T) {
	e := NewEngine()
	res := e.ProcessInput(context.Background(), "no-such-journey", "hi", nil)
	if res.Success {
		t.Fatal("expected failure for unknown journey")
	}
	if !errors.Is(res.Err, models.ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution, got %v", res.Err)
	}
}

func TestToolStateRecoverableFailureAndRetry(t *testing.T) {
	tools := &mockTools{failures: map[string]int{"deploy": 1}}
	e := NewEngine(WithToolAdapter(tools))
	sink := &recordSink{}
	id := startExecution(t, e, toolJourney("deploy"), sink)

	res := e.ProcessInput(context.Background(), id, "", nil)
	if res.Err == nil {
		t.Fatal("expected tool failure")
	}
	if !errors.Is(res.Err, models.ErrToolExecutionFailed) {
		t.Fatalf("expected ErrToolExecutionFailed, got %v", res.Err)
	}
	if !res.Recoverable {
		t.Fatal("tool failures must be recoverable")
	}
	if res.StateID != "run" {
		t.Errorf("execution must stay in the tool state, got %s", res.StateID)
	}
	if len(sink.errs) != 1 {
		t.Errorf("expected error surfaced through sink, got %d", len(sink.errs))
	}

	// Retrying after the transient failure completes the journey.
	res = e.ProcessInput(context.Background(), id, "", nil)
	if res.Err != nil {
		t.Fatalf("retry failed: %v", res.Err)
	}
	if !res.Completed {
		t.Fatal("expected completion after retry")
	}

	snap, _ := e.Snapshot(id)
	if len(snap.ToolResults) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(snap.ToolResults))
	}
	if snap.ToolResults[0].Success || !snap.ToolResults[1].Success {
		t.Error("expected first result failed, second succeeded")
	}
	if got := snap.ExecutionState["tool:deploy"]; got != "ok:deploy" {
		t.Errorf("expected tool output stored, got %v", got)
	}
}

func TestConditionalBranching(t *testing.T) {
	def := &models.JourneyDefinition{
		ID:    "def_branch",
		Title: "Branching",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "ask", Kind: models.StateKindChat, Name: "Ask"},
			{ID: "decide", Kind: models.StateKindConditional, Name: "Decide", Config: map[string]any{"condition": "input:ask == yes"}},
			{ID: "approved", Kind: models.StateKindChat, Name: "Approved"},
			{ID: "rejected", Kind: models.StateKindChat, Name: "Rejected"},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "ask"},
			{ID: "t2", From: "ask", To: "decide"},
			{ID: "t3", From: "decide", To: "approved", Condition: "true"},
			{ID: "t4", From: "decide", To: "rejected", Condition: "false"},
			{ID: "t5", From: "approved", To: "done"},
			{ID: "t6", From: "rejected", To: "done"},
		},
	}

	for input, want := range map[string]string{"yes": "approved", "no": "rejected"} {
		e := NewEngine()
		id := startExecution(t, e, def, nil)
		e.ProcessInput(context.Background(), id, "", nil)
		res := e.ProcessInput(context.Background(), id, input, nil)
		if res.Err != nil {
			t.Fatalf("input %q: unexpected error: %v", input, res.Err)
		}
		if res.StateID != want {
			t.Errorf("input %q: expected state %s, got %s", input, want, res.StateID)
		}
	}
}

func TestConditionalNoMatchingBranchKeepsState(t *testing.T) {
	def := &models.JourneyDefinition{
		ID:    "def_nobranch",
		Title: "No branch",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "ask", Kind: models.StateKindChat, Name: "Ask"},
			{ID: "decide", Kind: models.StateKindConditional, Name: "Decide", Config: map[string]any{"condition": "input:ask == yes"}},
			{ID: "approved", Kind: models.StateKindChat, Name: "Approved"},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "ask"},
			{ID: "t2", From: "ask", To: "decide"},
			{ID: "t3", From: "decide", To: "approved", Condition: "true"},
			{ID: "t4", From: "approved", To: "done"},
		},
	}

	e := NewEngine()
	id := startExecution(t, e, def, nil)
	e.ProcessInput(context.Background(), id, "", nil)

	res := e.ProcessInput(context.Background(), id, "no", nil)
	if !errors.Is(res.Err, models.ErrNoMatchingBranch) {
		t.Fatalf("expected ErrNoMatchingBranch, got %v", res.Err)
	}
	if res.StateID != "decide" {
		t.Errorf("execution must remain in the conditional state, got %s", res.StateID)
	}
}

func TestParallelStateJoinsAllBranches(t *testing.T) {
	def := &models.JourneyDefinition{
		ID:    "def_parallel",
		Title: "Parallel",
		States: []models.JourneyState{
			{ID: "start", Kind: models.StateKindInitial, Name: "Start"},
			{ID: "fanout", Kind: models.StateKindParallel, Name: "Fan out", Config: map[string]any{"branches": []string{"lint", "test", "build"}}},
			{ID: "done", Kind: models.StateKindFinal, Name: "Done"},
		},
		Transitions: []models.Transition{
			{ID: "t1", From: "start", To: "fanout"},
			{ID: "t2", From: "fanout", To: "done"},
		},
	}

	tools := &mockTools{failures: map[string]int{"test": 1}}
	e := NewEngine(WithToolAdapter(tools))
	id := startExecution(t, e, def, nil)

	res := e.ProcessInput(context.Background(), id, "", nil)
	if !errors.Is(res.Err, models.ErrToolExecutionFailed) {
		t.Fatalf("expected branch failure, got %v", res.Err)
	}
	if !res.Recoverable {
		t.Fatal("branch failures must be recoverable")
	}
	if len(tools.calls) != 3 {
		t.Fatalf("all branches must run even when one fails, got %d calls", len(tools.calls))
	}

	res = e.ProcessInput(context.Background(), id, "", nil)
	if res.Err != nil {
		t.Fatalf("retry failed: %v", res.Err)
	}
	if !res.Completed {
		t.Fatal("expected completion once every branch succeeds")
	}
}

func TestProgressIsIdempotentAndMonotonic(t *testing.T) {
	tools := &mockTools{failures: map[string]int{"deploy": 2}}
	e := NewEngine(WithToolAdapter(tools))
	id := startExecution(t, e, toolJourney("deploy"), nil)

	var last int
	for i := 0; i < 3; i++ {
		res := e.ProcessInput(context.Background(), id, "", nil)
		if res.Progress.CompletionPercentage < last {
			t.Fatalf("completion percentage decreased: %d -> %d", last, res.Progress.CompletionPercentage)
		}
		last = res.Progress.CompletionPercentage
	}

	tracker, err := e.Progress(id)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if tracker.CompletedStates != tracker.TotalStates {
		t.Errorf("expected all states completed, got %d/%d", tracker.CompletedStates, tracker.TotalStates)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	e := NewEngine()
	id := startExecution(t, e, chatJourney(), nil)

	e.Cleanup(id)
	e.Cleanup(id) // second call is a no-op

	if _, err := e.Progress(id); !errors.Is(err, models.ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution after cleanup, got %v", err)
	}
}

func TestLiteralEvaluator(t *testing.T) {
	eval := LiteralEvaluator{}
	state := map[string]any{
		"name":     "Ada",
		"approved": true,
		"retries":  0,
		"note":     "",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"name == Ada", true},
		{"name == Bob", false},
		{"name != Bob", true},
		{"approved", true},
		{"retries", false},
		{"note", false},
		{"missing", false},
		{`name == "Ada"`, true},
	}
	for _, tc := range cases {
		got, err := eval.Evaluate(context.Background(), tc.expr, state)
		if err != nil {
			t.Errorf("Evaluate(%q) failed: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}

	if _, err := eval.Evaluate(context.Background(), "  ", state); err == nil {
		t.Error("expected error for empty condition")
	}
}
