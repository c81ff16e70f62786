// Package engine implements the journey execution engine: it owns execution
// contexts, dispatches to state-kind handlers, applies transitions and
// updates progress. It has no knowledge of sessions, transport or natural
// language.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayline/wayline/internal/models"
)

// maxChainedStates bounds automated state chaining within one ProcessInput
// call so a cyclic definition cannot spin forever.
const maxChainedStates = 100

// OutputSink receives user-facing output from the engine. The engine is
// agnostic to how these reach an end user.
type OutputSink interface {
	SendMessage(ctx context.Context, message string) error
	RequestInput(ctx context.Context, prompt string) (string, error)
	ShowProgress(ctx context.Context, tracker *models.ProgressTracker) error
	DisplayError(ctx context.Context, err error) error
	NotifyCompletion(ctx context.Context, result *models.ExecutionResult) error
}

// ToolOutcome is the result of one external tool invocation.
type ToolOutcome struct {
	Success bool
	Output  string
	Error   string
}

// ToolAdapter executes arbitrary external actions on behalf of tool and
// parallel states.
type ToolAdapter interface {
	InvokeTool(ctx context.Context, toolID string, config map[string]any, snapshot map[string]any) (*ToolOutcome, error)
}

// ConditionEvaluator evaluates a transition or branch condition against the
// execution scratch state. Implementations must not execute dynamic code.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, condition string, state map[string]any) (bool, error)
}

// Persistence optionally saves execution state after each step. When absent
// the engine operates purely in memory.
type Persistence interface {
	SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error
}

// execution pairs a context with its definition and per-journey lock.
type execution struct {
	mu   sync.Mutex
	ec   *models.ExecutionContext
	def  *models.JourneyDefinition
	sink OutputSink

	// inputSinceEntry is true when user input arrived after the current
	// state was entered. Chat states wait until it is set.
	inputSinceEntry bool
}

// stateHandler executes one state kind. Exactly one handler exists per kind.
type stateHandler func(ctx context.Context, ex *execution, st *models.JourneyState, input string, metadata map[string]any) stepOutcome

// stepOutcome is the internal result of executing one state.
type stepOutcome struct {
	response    string
	advanced    bool
	awaitInput  bool
	completed   bool
	err         error
	recoverable bool
}

// Opts holds configuration options for the engine.
type Opts struct {
	Tools   ToolAdapter
	Eval    ConditionEvaluator
	Persist Persistence
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithToolAdapter sets the external tool adapter.
func WithToolAdapter(t ToolAdapter) Option {
	return func(o *Opts) { o.Tools = t }
}

// WithConditionEvaluator sets the condition evaluator. Defaults to
// LiteralEvaluator when unset.
func WithConditionEvaluator(e ConditionEvaluator) Option {
	return func(o *Opts) { o.Eval = e }
}

// WithPersistence enables saving execution state after each step.
func WithPersistence(p Persistence) Option {
	return func(o *Opts) { o.Persist = p }
}

// Engine advances journey executions one user message at a time. Each
// instance owns its own context registry, so multiple isolated engines can
// coexist in one process.
type Engine struct {
	mu         sync.RWMutex
	executions map[string]*execution
	tools      ToolAdapter
	eval       ConditionEvaluator
	persist    Persistence
	handlers   map[models.StateKind]stateHandler
}

// NewEngine creates an execution engine, applying any provided options.
func NewEngine(opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Eval == nil {
		cfg.Eval = LiteralEvaluator{}
	}
	slog.Debug("Engine.NewEngine: creating engine", "hasTools", cfg.Tools != nil, "hasPersistence", cfg.Persist != nil)

	e := &Engine{
		executions: make(map[string]*execution),
		tools:      cfg.Tools,
		eval:       cfg.Eval,
		persist:    cfg.Persist,
	}
	e.handlers = map[models.StateKind]stateHandler{
		models.StateKindInitial:     e.executeInitialState,
		models.StateKindFinal:       e.executeFinalState,
		models.StateKindTool:        e.executeToolState,
		models.StateKindChat:        e.executeChatState,
		models.StateKindConditional: e.executeConditionalState,
		models.StateKindParallel:    e.executeParallelState,
	}
	return e
}

// InitializeExecution allocates a new journey execution for the given
// definition, registers its context and emits a welcome message through the
// output sink. Fails with ErrMissingInitialState when the definition has no
// initial state; when several exist the first in definition order wins.
func (e *Engine) InitializeExecution(ctx context.Context, def *models.JourneyDefinition, sessionID, userID, workspaceID string, sink OutputSink) (*models.ExecutionContext, error) {
	slog.Debug("Engine.InitializeExecution: initializing", "definitionID", def.ID, "sessionID", sessionID)

	initial := def.InitialState()
	if initial == nil {
		slog.Error("Engine.InitializeExecution: no initial state", "definitionID", def.ID)
		return nil, fmt.Errorf("definition %s: %w", def.ID, models.ErrMissingInitialState)
	}

	tracker := models.NewProgressTracker(def)
	tracker.CurrentStateName = initial.Name

	ec := &models.ExecutionContext{
		JourneyID:      uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		WorkspaceID:    workspaceID,
		CurrentStateID: initial.ID,
		ExecutionState: make(map[string]any),
		StartTime:      time.Now(),
		Progress:       tracker,
	}

	ex := &execution{ec: ec, def: def, sink: sink}

	e.mu.Lock()
	e.executions[ec.JourneyID] = ex
	e.mu.Unlock()

	if sink != nil {
		welcome := fmt.Sprintf("Welcome to %s!", def.Title)
		if def.Description != "" {
			welcome += " " + def.Description
		}
		if err := sink.SendMessage(ctx, welcome); err != nil {
			slog.Warn("Engine.InitializeExecution: failed to send welcome message", "error", err, "journeyID", ec.JourneyID)
		}
		ec.ConversationHistory = append(ec.ConversationHistory, models.ConversationMessage{
			Role: "assistant", Content: welcome, Timestamp: time.Now(),
		})
	}

	slog.Info("Engine.InitializeExecution: execution registered", "journeyID", ec.JourneyID, "definitionID", def.ID, "initialState", initial.ID)
	return ec, nil
}

// ProcessInput advances the execution identified by journeyID with the given
// user input. Automated states chain within this one call until a state that
// requires input or a terminal state is reached. Expected failures are
// returned in the result value, never raised.
func (e *Engine) ProcessInput(ctx context.Context, journeyID, input string, metadata map[string]any) *models.ExecutionResult {
	slog.Debug("Engine.ProcessInput: processing input", "journeyID", journeyID, "inputLength", len(input))

	e.mu.RLock()
	ex := e.executions[journeyID]
	e.mu.RUnlock()
	if ex == nil {
		slog.Error("Engine.ProcessInput: unknown execution", "journeyID", journeyID)
		return failureResult(fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution), false, nil)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.inputSinceEntry = true
	if input != "" {
		ex.ec.ConversationHistory = append(ex.ec.ConversationHistory, models.ConversationMessage{
			Role: "user", Content: input, Timestamp: time.Now(),
		})
	}

	var responses []string
	for step := 0; step < maxChainedStates; step++ {
		st := ex.def.StateByID(ex.ec.CurrentStateID)
		if st == nil {
			err := fmt.Errorf("journey %s: state %s: %w", journeyID, ex.ec.CurrentStateID, models.ErrInvalidState)
			slog.Error("Engine.ProcessInput: current state does not resolve", "error", err, "journeyID", journeyID)
			return e.finishStep(ctx, ex, responses, stepOutcome{err: err})
		}

		handler := e.handlers[st.Kind]
		if handler == nil {
			err := fmt.Errorf("journey %s: state %s has unhandled kind %q: %w", journeyID, st.ID, st.Kind, models.ErrInvalidState)
			return e.finishStep(ctx, ex, responses, stepOutcome{err: err})
		}

		out := handler(ctx, ex, st, input, metadata)
		if out.response != "" {
			responses = append(responses, out.response)
			ex.ec.ConversationHistory = append(ex.ec.ConversationHistory, models.ConversationMessage{
				Role: "assistant", Content: out.response, Timestamp: time.Now(),
			})
		}
		if out.err != nil || out.awaitInput || out.completed || !out.advanced {
			return e.finishStep(ctx, ex, responses, out)
		}
	}

	err := fmt.Errorf("journey %s: automated state chain exceeded %d steps", journeyID, maxChainedStates)
	slog.Error("Engine.ProcessInput: chain bound exceeded", "error", err, "journeyID", journeyID)
	return e.finishStep(ctx, ex, responses, stepOutcome{err: err})
}

// finishStep converts the last step outcome into an ExecutionResult, emits
// sink notifications and persists state. Caller holds the execution lock.
func (e *Engine) finishStep(ctx context.Context, ex *execution, responses []string, out stepOutcome) *models.ExecutionResult {
	res := &models.ExecutionResult{
		Success:           out.err == nil,
		Response:          strings.Join(responses, "\n"),
		UserInputRequired: out.awaitInput,
		Completed:         out.completed,
		StateID:           ex.ec.CurrentStateID,
		Err:               out.err,
		Recoverable:       out.recoverable,
		Progress:          ex.ec.Progress.Clone(),
	}

	if ex.sink != nil {
		switch {
		case out.err != nil:
			if serr := ex.sink.DisplayError(ctx, out.err); serr != nil {
				slog.Warn("Engine.finishStep: failed to display error", "error", serr, "journeyID", ex.ec.JourneyID)
			}
		case out.completed:
			if serr := ex.sink.NotifyCompletion(ctx, res); serr != nil {
				slog.Warn("Engine.finishStep: failed to notify completion", "error", serr, "journeyID", ex.ec.JourneyID)
			}
		case out.awaitInput && out.response != "":
			if _, serr := ex.sink.RequestInput(ctx, out.response); serr != nil {
				slog.Warn("Engine.finishStep: failed to deliver prompt", "error", serr, "journeyID", ex.ec.JourneyID)
			}
		}
	}

	e.persistState(ctx, ex)

	slog.Debug("Engine.ProcessInput: step finished",
		"journeyID", ex.ec.JourneyID,
		"state", ex.ec.CurrentStateID,
		"success", res.Success,
		"userInputRequired", res.UserInputRequired,
		"completed", res.Completed,
		"percentage", res.Progress.CompletionPercentage)
	return res
}

// advance moves the execution along the given transition, marks the entered
// state's milestone completed (idempotently) and runs onEntry actions.
func (e *Engine) advance(ctx context.Context, ex *execution, t *models.Transition) (*models.JourneyState, error) {
	next := ex.def.StateByID(t.To)
	if next == nil {
		return nil, fmt.Errorf("transition %s targets unknown state %s: %w", t.ID, t.To, models.ErrInvalidState)
	}

	ex.ec.CurrentStateID = next.ID
	ex.inputSinceEntry = false
	ex.ec.Progress.CompleteState(next.ID, next.Kind)
	ex.ec.Progress.CurrentStateName = next.Name

	if ex.sink != nil {
		for _, action := range next.OnEntry {
			if err := ex.sink.SendMessage(ctx, action); err != nil {
				slog.Warn("Engine.advance: onEntry action delivery failed", "error", err, "journeyID", ex.ec.JourneyID, "state", next.ID)
			}
		}
		if err := ex.sink.ShowProgress(ctx, ex.ec.Progress.Clone()); err != nil {
			slog.Warn("Engine.advance: progress delivery failed", "error", err, "journeyID", ex.ec.JourneyID)
		}
	}

	slog.Info("Engine.advance: transitioned", "journeyID", ex.ec.JourneyID, "from", t.From, "to", next.ID, "percentage", ex.ec.Progress.CompletionPercentage)
	return next, nil
}

// persistState saves the execution context when persistence is configured.
// Persistence failures are logged, never surfaced.
func (e *Engine) persistState(ctx context.Context, ex *execution) {
	if e.persist == nil {
		return
	}
	if err := e.persist.SaveExecutionState(ctx, ex.ec); err != nil {
		slog.Warn("Engine.persistState: failed to save execution state", "error", err, "journeyID", ex.ec.JourneyID)
	}
}

// Progress returns a snapshot of the execution's progress tracker.
func (e *Engine) Progress(journeyID string) (*models.ProgressTracker, error) {
	e.mu.RLock()
	ex := e.executions[journeyID]
	e.mu.RUnlock()
	if ex == nil {
		return nil, fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ec.Progress.Clone(), nil
}

// Snapshot returns a copy of the execution context suitable for summaries
// and persistence; the engine retains ownership of the live context.
func (e *Engine) Snapshot(journeyID string) (*models.ExecutionContext, error) {
	e.mu.RLock()
	ex := e.executions[journeyID]
	e.mu.RUnlock()
	if ex == nil {
		return nil, fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()

	out := *ex.ec
	out.ConversationHistory = append([]models.ConversationMessage(nil), ex.ec.ConversationHistory...)
	out.ToolResults = append([]models.ToolResult(nil), ex.ec.ToolResults...)
	out.ExecutionState = cloneState(ex.ec.ExecutionState)
	out.Progress = ex.ec.Progress.Clone()
	return &out, nil
}

// Cleanup removes the execution context and associated registries. Safe to
// call multiple times; a missing id is a no-op.
func (e *Engine) Cleanup(journeyID string) {
	e.mu.Lock()
	_, existed := e.executions[journeyID]
	delete(e.executions, journeyID)
	e.mu.Unlock()
	slog.Debug("Engine.Cleanup: execution removed", "journeyID", journeyID, "existed", existed)
}

// failureResult builds an ExecutionResult carrying an expected failure.
func failureResult(err error, recoverable bool, tracker *models.ProgressTracker) *models.ExecutionResult {
	return &models.ExecutionResult{
		Success:     false,
		Err:         err,
		Recoverable: recoverable,
		Progress:    tracker,
	}
}

// cloneState shallow-copies the execution scratch state.
func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
