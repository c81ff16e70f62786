package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wayline/wayline/internal/models"
)

// executeInitialState is a pure pass-through: it resolves the outgoing
// transition and advances.
func (e *Engine) executeInitialState(ctx context.Context, ex *execution, st *models.JourneyState, _ string, _ map[string]any) stepOutcome {
	slog.Debug("Engine.executeInitialState: entering", "journeyID", ex.ec.JourneyID, "state", st.ID)
	return e.advanceFrom(ctx, ex, st)
}

// executeFinalState completes the journey and produces a summary response.
// Re-processing input while already in a final state is idempotent.
func (e *Engine) executeFinalState(ctx context.Context, ex *execution, st *models.JourneyState, _ string, _ map[string]any) stepOutcome {
	elapsed := time.Since(ex.ec.StartTime).Round(time.Second)
	summary := fmt.Sprintf("Journey complete: %d of %d states finished in %s.",
		ex.ec.Progress.CompletedStates, ex.ec.Progress.TotalStates, elapsed)
	if n := len(ex.ec.ToolResults); n > 0 {
		summary += fmt.Sprintf(" %d tool invocation(s) recorded.", n)
	}
	slog.Info("Engine.executeFinalState: journey completed", "journeyID", ex.ec.JourneyID, "state", st.ID, "elapsed", elapsed)
	return stepOutcome{response: summary, completed: true}
}

// executeToolState invokes the configured external tool, records the result
// and advances on success. Tool failures are recoverable: the execution stays
// in the tool state so the caller can retry or skip.
func (e *Engine) executeToolState(ctx context.Context, ex *execution, st *models.JourneyState, _ string, _ map[string]any) stepOutcome {
	toolID := configString(st.Config, "tool")
	if toolID == "" {
		toolID = configString(st.Config, "tool_id")
	}
	if toolID == "" {
		return stepOutcome{err: fmt.Errorf("state %s: tool state has no tool identifier configured", st.ID)}
	}
	if e.tools == nil {
		return stepOutcome{
			err:         fmt.Errorf("state %s: tool %s: no tool adapter configured: %w", st.ID, toolID, models.ErrToolExecutionFailed),
			recoverable: true,
		}
	}

	slog.Debug("Engine.executeToolState: invoking tool", "journeyID", ex.ec.JourneyID, "state", st.ID, "tool", toolID)
	started := time.Now()
	outcome, err := e.tools.InvokeTool(ctx, toolID, st.Config, cloneState(ex.ec.ExecutionState))
	duration := time.Since(started)

	result := models.ToolResult{ToolID: toolID, StartedAt: started, Duration: duration}
	switch {
	case err != nil:
		result.Error = err.Error()
	case outcome == nil:
		result.Error = "tool adapter returned no outcome"
	case !outcome.Success:
		result.Success = false
		result.Output = outcome.Output
		result.Error = outcome.Error
	default:
		result.Success = true
		result.Output = outcome.Output
	}
	ex.ec.ToolResults = append(ex.ec.ToolResults, result)

	if !result.Success {
		slog.Warn("Engine.executeToolState: tool failed", "journeyID", ex.ec.JourneyID, "tool", toolID, "error", result.Error)
		return stepOutcome{
			err:         fmt.Errorf("state %s: tool %s: %s: %w", st.ID, toolID, result.Error, models.ErrToolExecutionFailed),
			recoverable: true,
		}
	}

	ex.ec.ExecutionState["tool:"+toolID] = result.Output
	slog.Debug("Engine.executeToolState: tool succeeded", "journeyID", ex.ec.JourneyID, "tool", toolID, "duration", duration)
	return e.advanceFrom(ctx, ex, st)
}

// executeChatState waits for user input. Input that arrived before the state
// was entered does not count; the state emits its prompt and pauses. Once
// input for this state is present it is captured into the scratch state and
// the execution advances.
func (e *Engine) executeChatState(ctx context.Context, ex *execution, st *models.JourneyState, input string, _ map[string]any) stepOutcome {
	if !ex.inputSinceEntry {
		prompt := configString(st.Config, "prompt")
		if prompt == "" {
			prompt = st.Description
		}
		if prompt == "" {
			prompt = fmt.Sprintf("Please provide input for %s.", st.Name)
		}
		slog.Debug("Engine.executeChatState: awaiting input", "journeyID", ex.ec.JourneyID, "state", st.ID)
		return stepOutcome{response: prompt, awaitInput: true}
	}

	ex.ec.ExecutionState["input:"+st.ID] = input
	slog.Debug("Engine.executeChatState: input captured", "journeyID", ex.ec.JourneyID, "state", st.ID)
	return e.advanceFrom(ctx, ex, st)
}

// executeConditionalState evaluates the state's condition and follows the
// branch whose transition condition matches the boolean result. A transition
// with no condition acts as the fallback branch. When neither a matching
// branch nor a fallback exists the execution fails with ErrNoMatchingBranch
// and remains in the conditional state.
func (e *Engine) executeConditionalState(ctx context.Context, ex *execution, st *models.JourneyState, _ string, _ map[string]any) stepOutcome {
	expr := configString(st.Config, "condition")
	if expr == "" {
		return stepOutcome{err: fmt.Errorf("state %s: conditional state has no condition configured", st.ID)}
	}

	verdict, err := e.eval.Evaluate(ctx, expr, ex.ec.ExecutionState)
	if err != nil {
		return stepOutcome{err: fmt.Errorf("state %s: condition evaluation: %w", st.ID, err)}
	}
	branch := "false"
	if verdict {
		branch = "true"
	}
	slog.Debug("Engine.executeConditionalState: condition evaluated", "journeyID", ex.ec.JourneyID, "state", st.ID, "verdict", verdict)

	transitions := sortedTransitions(ex.def, st.ID)
	var fallback *models.Transition
	for i := range transitions {
		t := &transitions[i]
		if t.Condition == "" {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		if t.Condition == branch {
			return e.follow(ctx, ex, t)
		}
	}
	if fallback != nil {
		return e.follow(ctx, ex, fallback)
	}

	slog.Warn("Engine.executeConditionalState: no branch matched", "journeyID", ex.ec.JourneyID, "state", st.ID, "verdict", verdict)
	return stepOutcome{err: fmt.Errorf("state %s: verdict %s: %w", st.ID, branch, models.ErrNoMatchingBranch)}
}

// executeParallelState invokes every configured branch tool and joins on all
// of them: the state advances only when every branch succeeded. Any branch
// failure is recoverable and leaves the execution in the parallel state.
func (e *Engine) executeParallelState(ctx context.Context, ex *execution, st *models.JourneyState, _ string, _ map[string]any) stepOutcome {
	branches := configStrings(st.Config, "branches")
	if len(branches) == 0 {
		return stepOutcome{err: fmt.Errorf("state %s: parallel state has no branches configured", st.ID)}
	}
	if e.tools == nil {
		return stepOutcome{
			err:         fmt.Errorf("state %s: no tool adapter configured: %w", st.ID, models.ErrToolExecutionFailed),
			recoverable: true,
		}
	}

	slog.Debug("Engine.executeParallelState: running branches", "journeyID", ex.ec.JourneyID, "state", st.ID, "branches", len(branches))
	snapshot := cloneState(ex.ec.ExecutionState)
	var failures []string
	for _, branchID := range branches {
		started := time.Now()
		outcome, err := e.tools.InvokeTool(ctx, branchID, st.Config, snapshot)
		result := models.ToolResult{ToolID: branchID, StartedAt: started, Duration: time.Since(started)}
		switch {
		case err != nil:
			result.Error = err.Error()
		case outcome == nil:
			result.Error = "tool adapter returned no outcome"
		case !outcome.Success:
			result.Output = outcome.Output
			result.Error = outcome.Error
		default:
			result.Success = true
			result.Output = outcome.Output
		}
		ex.ec.ToolResults = append(ex.ec.ToolResults, result)
		if result.Success {
			ex.ec.ExecutionState["tool:"+branchID] = result.Output
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", branchID, result.Error))
		}
	}

	if len(failures) > 0 {
		slog.Warn("Engine.executeParallelState: branches failed", "journeyID", ex.ec.JourneyID, "state", st.ID, "failed", len(failures))
		return stepOutcome{
			err:         fmt.Errorf("state %s: %d branch(es) failed (%v): %w", st.ID, len(failures), failures, models.ErrToolExecutionFailed),
			recoverable: true,
		}
	}
	return e.advanceFrom(ctx, ex, st)
}

// advanceFrom resolves the outgoing transition for the given state and
// follows it.
func (e *Engine) advanceFrom(ctx context.Context, ex *execution, st *models.JourneyState) stepOutcome {
	t, err := e.resolveTransition(ctx, ex, st.ID)
	if err != nil {
		return stepOutcome{err: err}
	}
	return e.follow(ctx, ex, t)
}

// follow advances along a chosen transition.
func (e *Engine) follow(ctx context.Context, ex *execution, t *models.Transition) stepOutcome {
	if _, err := e.advance(ctx, ex, t); err != nil {
		return stepOutcome{err: err}
	}
	return stepOutcome{advanced: true}
}

// resolveTransition selects the outgoing transition for a state: candidates
// are ordered by priority, conditional transitions are evaluated in order,
// and an unconditional transition serves as the fallback.
func (e *Engine) resolveTransition(ctx context.Context, ex *execution, stateID string) (*models.Transition, error) {
	transitions := sortedTransitions(ex.def, stateID)
	if len(transitions) == 0 {
		return nil, fmt.Errorf("state %s: %w", stateID, models.ErrNoOutgoingTransition)
	}

	var fallback *models.Transition
	for i := range transitions {
		t := &transitions[i]
		if t.Condition == "" {
			if fallback == nil {
				fallback = t
			}
			continue
		}
		ok, err := e.eval.Evaluate(ctx, t.Condition, ex.ec.ExecutionState)
		if err != nil {
			slog.Warn("Engine.resolveTransition: condition evaluation failed, skipping transition", "error", err, "journeyID", ex.ec.JourneyID, "transition", t.ID)
			continue
		}
		if ok {
			return t, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("state %s: no transition condition matched: %w", stateID, models.ErrNoOutgoingTransition)
}

// sortedTransitions returns the outgoing transitions of a state in priority
// order (lower priority value first), stable within equal priorities.
func sortedTransitions(def *models.JourneyDefinition, stateID string) []models.Transition {
	transitions := def.TransitionsFrom(stateID)
	out := append([]models.Transition(nil), transitions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// configString reads a string value out of a state config map.
func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// configStrings reads a string slice out of a state config map, tolerating
// both []string and the []any produced by JSON decoding.
func configStrings(config map[string]any, key string) []string {
	if config == nil {
		return nil
	}
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
