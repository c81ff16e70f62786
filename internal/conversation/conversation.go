// Package conversation implements the natural-language front door over agent
// sessions: per-session conversation contexts, special command handling and
// mode-aware response decoration. It never talks to the execution engine
// directly; everything goes through the session layer.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wayline/wayline/internal/genai"
	"github.com/wayline/wayline/internal/models"
)

// Communicator is the slice of the session service the conversation layer
// uses.
type Communicator interface {
	SendMessage(ctx context.Context, sessionID, message string) (*models.AgentResponse, error)
	PauseSession(ctx context.Context, sessionID string) error
	ResumeSession(ctx context.Context, sessionID string) error
	TerminateSession(ctx context.Context, sessionID string) (*models.ExecutionSummary, error)
	GetSession(sessionID string) (*models.AgentSession, error)
	SessionProgress(sessionID string) (*models.ProgressTracker, error)
}

// Opts holds configuration options for the conversation service.
type Opts struct {
	GenAI genai.ClientInterface
}

// Option defines a configuration option for the conversation service.
type Option func(*Opts)

// WithGenAI enables language-model phrasing for tutorial-mode responses.
// Without it responses are assembled from templates.
func WithGenAI(client genai.ClientInterface) Option {
	return func(o *Opts) { o.GenAI = client }
}

// Service manages conversation contexts and message routing for sessions.
type Service struct {
	mu       sync.RWMutex
	contexts map[string]*models.ConversationContext

	comm  Communicator
	genAI genai.ClientInterface
}

// NewService creates a conversation service over the given communicator.
func NewService(comm Communicator, opts ...Option) *Service {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Conversation.NewService: creating service", "hasGenAI", cfg.GenAI != nil)
	return &Service{
		contexts: make(map[string]*models.ConversationContext),
		comm:     comm,
		genAI:    cfg.GenAI,
	}
}

// InitializeConversation creates the conversation context for a session and
// returns the mode-appropriate greeting. Unsupported modes fall back to
// guided.
func (s *Service) InitializeConversation(_ context.Context, sessionID, workflowID, userID, workspaceID string, mode models.ConversationMode, prefs models.Preferences) (string, error) {
	if !models.IsValidConversationMode(mode) {
		slog.Warn("Conversation.InitializeConversation: unsupported mode, falling back to guided", "mode", mode, "sessionID", sessionID)
		mode = models.ModeGuided
	}
	now := time.Now()
	cc := &models.ConversationContext{
		SessionID:   sessionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Mode:        mode,
		Preferences: prefs,
		Metadata:    models.ConversationMetadata{CreatedAt: now, LastMessageAt: now},
	}

	s.mu.Lock()
	s.contexts[sessionID] = cc
	s.mu.Unlock()

	slog.Info("Conversation.InitializeConversation: conversation started", "sessionID", sessionID, "mode", mode)
	return greeting(mode), nil
}

// ProcessMessage routes one user message: special commands are handled in the
// conversation layer, everything else is forwarded to the session and the
// response decorated for the conversation mode. ProcessMessage always returns
// a usable reply; internal failures degrade to guidance text.
func (s *Service) ProcessMessage(ctx context.Context, sessionID, message string) (string, error) {
	cc := s.contextFor(sessionID)
	if cc == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	s.mu.Lock()
	cc.Metadata.MessageCount++
	cc.Metadata.LastMessageAt = time.Now()
	s.mu.Unlock()

	if reply, handled := s.handleCommand(ctx, cc, message); handled {
		return reply, nil
	}

	resp, err := s.comm.SendMessage(ctx, sessionID, message)
	if err != nil {
		s.mu.Lock()
		cc.Metadata.ErrorCount++
		s.mu.Unlock()
		slog.Warn("Conversation.ProcessMessage: session layer failed", "error", err, "sessionID", sessionID)
		return "I couldn't process that right now. Try 'status' to see where the journey stands, or 'help' for commands.", nil
	}
	if !resp.Success {
		s.mu.Lock()
		cc.Metadata.ErrorCount++
		s.mu.Unlock()
	}
	return s.decorate(ctx, cc, resp), nil
}

// EndConversation destroys the conversation context and terminates the
// underlying session, returning a closing summary line.
func (s *Service) EndConversation(ctx context.Context, sessionID string) (string, error) {
	cc := s.contextFor(sessionID)
	if cc == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	s.mu.Lock()
	delete(s.contexts, sessionID)
	s.mu.Unlock()

	summary, err := s.comm.TerminateSession(ctx, sessionID)
	if err != nil {
		slog.Debug("Conversation.EndConversation: session already gone", "sessionID", sessionID, "error", err)
		return "Goodbye!", nil
	}
	slog.Info("Conversation.EndConversation: conversation ended", "sessionID", sessionID, "finalStatus", summary.FinalStatus)
	return fmt.Sprintf("Goodbye! The journey ran %d state(s) over %s.", summary.StatesExecuted, summary.Duration.Round(time.Second)), nil
}

// Mode returns the conversation mode for a session, or empty when unknown.
func (s *Service) Mode(sessionID string) models.ConversationMode {
	cc := s.contextFor(sessionID)
	if cc == nil {
		return ""
	}
	return cc.Mode
}

// handleCommand intercepts special commands. The second return value reports
// whether the message was consumed.
func (s *Service) handleCommand(ctx context.Context, cc *models.ConversationContext, message string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(message))

	if rest, ok := strings.CutPrefix(trimmed, "mode "); ok {
		return s.switchMode(cc, models.ConversationMode(strings.TrimSpace(rest))), true
	}
	if reply, ok := s.togglePreference(cc, trimmed); ok {
		return reply, true
	}

	switch trimmed {
	case "help":
		return helpText(cc.Mode), true
	case "status", "progress":
		return s.statusReply(cc), true
	case "pause":
		if err := s.comm.PauseSession(ctx, cc.SessionID); err != nil {
			return fmt.Sprintf("I can't pause right now: %s.", err), true
		}
		return "Paused. Say 'resume' when you're ready to continue.", true
	case "resume":
		if err := s.comm.ResumeSession(ctx, cc.SessionID); err != nil {
			return "The session isn't paused.", true
		}
		return "Resumed. Where were we?", true
	case "restart":
		if _, err := s.EndConversation(ctx, cc.SessionID); err != nil {
			return "Goodbye!", true
		}
		return "Starting over. Send any message to begin the journey again.", true
	case "exit", "quit", "cancel":
		reply, err := s.EndConversation(ctx, cc.SessionID)
		if err != nil {
			return "Goodbye!", true
		}
		return reply, true
	default:
		return "", false
	}
}

// switchMode changes the conversation mode in place.
func (s *Service) switchMode(cc *models.ConversationContext, mode models.ConversationMode) string {
	if !models.IsValidConversationMode(mode) {
		return fmt.Sprintf("I don't know mode %q. Available: guided, freeform, expert, tutorial.", mode)
	}
	s.mu.Lock()
	cc.Mode = mode
	s.mu.Unlock()
	slog.Info("Conversation.switchMode: mode changed", "sessionID", cc.SessionID, "mode", mode)
	return fmt.Sprintf("Switched to %s mode.", mode)
}

// togglePreference handles "suggestions on", "explanations off" and the like.
func (s *Service) togglePreference(cc *models.ConversationContext, trimmed string) (string, bool) {
	fields := strings.Fields(trimmed)
	if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
		return "", false
	}
	enabled := fields[1] == "on"

	s.mu.Lock()
	defer s.mu.Unlock()
	switch fields[0] {
	case "suggestions":
		cc.Preferences.Suggestions = enabled
	case "explanations":
		cc.Preferences.Explanations = enabled
	case "notifications":
		cc.Preferences.ProgressNotifications = enabled
	default:
		return "", false
	}
	state := "off"
	if enabled {
		state = "on"
	}
	return fmt.Sprintf("Turned %s %s.", fields[0], state), true
}

// statusReply renders the current progress as a text summary.
func (s *Service) statusReply(cc *models.ConversationContext) string {
	sess, err := s.comm.GetSession(cc.SessionID)
	if err != nil {
		return "I couldn't find that session anymore."
	}
	tracker, err := s.comm.SessionProgress(cc.SessionID)
	if err != nil || tracker == nil {
		return fmt.Sprintf("The session is %s.", sess.Status)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The journey is %d%% complete (%d of %d states), currently at %q. Session status: %s.",
		tracker.CompletionPercentage, tracker.CompletedStates, tracker.TotalStates, tracker.CurrentStateName, sess.Status)
	if cc.Preferences.Verbosity == models.VerbosityDetailed {
		for _, m := range tracker.Milestones {
			mark := " "
			if m.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "\n[%s] %s", mark, m.Name)
		}
	}
	return b.String()
}

// decorate shapes the session response for the conversation mode and
// preferences.
func (s *Service) decorate(ctx context.Context, cc *models.ConversationContext, resp *models.AgentResponse) string {
	msg := resp.Message

	switch cc.Mode {
	case models.ModeExpert:
		// Terse: no embellishment, no suggestions.
		return msg
	case models.ModeTutorial:
		msg = s.tutorialPhrase(ctx, msg)
	case models.ModeGuided:
		if resp.Success && !resp.Completed {
			msg += "\nYou're doing great."
		}
	}

	// Tutorial responses already explain themselves.
	if cc.Preferences.Explanations && cc.Mode != models.ModeTutorial {
		msg += "\n" + s.explanation(ctx, resp)
	}
	if cc.Preferences.ProgressNotifications && !resp.Completed {
		if tracker, err := s.comm.SessionProgress(cc.SessionID); err == nil && tracker != nil {
			msg += fmt.Sprintf("\nProgress: %d%% (%d of %d states).",
				tracker.CompletionPercentage, tracker.CompletedStates, tracker.TotalStates)
		}
	}
	if cc.Preferences.Suggestions && len(resp.Suggestions) > 0 {
		msg += "\nYou could try: " + strings.Join(resp.Suggestions, ", ")
	}
	if resp.Completed {
		msg += "\nThat wraps up the journey."
	}
	return msg
}

// explanation produces a one-line account of what the last step did,
// model-phrased when a client is wired, canned otherwise.
func (s *Service) explanation(ctx context.Context, resp *models.AgentResponse) string {
	if s.genAI != nil {
		phrased, err := s.genAI.GeneratePrompt(ctx,
			"Explain in one short sentence what an automated workflow just did, based on its status message.",
			resp.Message)
		if err == nil && phrased != "" {
			return phrased
		}
		slog.Debug("Conversation.explanation: falling back to canned line", "error", err)
	}
	if resp.UserInputRequired {
		return "(The journey is waiting for your answer before it can continue.)"
	}
	return "(That input advanced the journey to its next step.)"
}

// tutorialPhrase asks the language model to expand a response with an
// explanation of what just happened, degrading to the plain response when no
// model is configured or the call fails.
func (s *Service) tutorialPhrase(ctx context.Context, msg string) string {
	if s.genAI == nil {
		return msg + "\n(Each step runs one state of the journey; ask 'status' to see the full path.)"
	}
	phrased, err := s.genAI.GeneratePrompt(ctx,
		"You are a patient tutor guiding a user through an automated workflow. Rephrase the given status message, briefly explaining what the system just did. Keep it under three sentences.",
		msg)
	if err != nil || phrased == "" {
		slog.Debug("Conversation.tutorialPhrase: falling back to plain response", "error", err)
		return msg
	}
	return phrased
}

func (s *Service) contextFor(sessionID string) *models.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[sessionID]
}

func greeting(mode models.ConversationMode) string {
	switch mode {
	case models.ModeExpert:
		return "Session ready."
	case models.ModeFreeform:
		return "I'm here when you need me. Say 'help' for commands."
	case models.ModeTutorial:
		return "Welcome! I'll explain each step as we go. Say 'help' anytime to see what you can do."
	default:
		return "Hi! I'll guide you through this journey step by step. Say 'help' to see available commands."
	}
}

func helpText(mode models.ConversationMode) string {
	base := strings.Join([]string{
		"Here's what you can say:",
		"  status      - show journey progress",
		"  pause       - pause the session",
		"  resume      - resume a paused session",
		"  restart     - start the journey over",
		"  mode <name> - switch mode (guided, freeform, expert, tutorial)",
		"  exit        - end the session",
	}, "\n")
	if mode == models.ModeExpert {
		return "status | pause | resume | restart | mode <name> | exit"
	}
	return base + "\nAnything else is sent to the running journey."
}
