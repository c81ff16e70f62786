package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wayline/wayline/internal/conversation"
	"github.com/wayline/wayline/internal/journey"
	"github.com/wayline/wayline/internal/models"
	"github.com/wayline/wayline/internal/session"
)

// Router connects a messaging transport to the conversation layer: inbound
// messages from a known participant go to their session, messages from a new
// participant start a session running the configured default workflow.
type Router struct {
	svc           Service
	sessions      *session.Service
	conversations *conversation.Service
	workflows     journey.Source
	defaultFlow   string

	mu           sync.Mutex
	participants map[string]string // recipient -> session id

	done    chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// NewRouter creates a router for the given transport and services.
func NewRouter(svc Service, sessions *session.Service, conversations *conversation.Service, workflows journey.Source, defaultWorkflowID string) *Router {
	return &Router{
		svc:           svc,
		sessions:      sessions,
		conversations: conversations,
		workflows:     workflows,
		defaultFlow:   defaultWorkflowID,
		participants:  make(map[string]string),
		done:          make(chan struct{}),
	}
}

// Start consumes the transport's response channel until Stop or context
// cancellation.
func (r *Router) Start(ctx context.Context) {
	slog.Debug("Router.Start: consuming inbound responses", "defaultWorkflow", r.defaultFlow)
	go r.loop(ctx)
}

// Stop halts the router. Safe to call multiple times.
func (r *Router) Stop() {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.done)
}

func (r *Router) loop(ctx context.Context) {
	responses := r.svc.Responses()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			r.handleResponse(ctx, resp)
		}
	}
}

func (r *Router) handleResponse(ctx context.Context, resp models.Response) {
	from, err := r.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Router.handleResponse: invalid sender, dropping message", "error", err, "from", resp.From)
		return
	}

	r.mu.Lock()
	sessionID, known := r.participants[from]
	r.mu.Unlock()

	if !known {
		sessionID, err = r.startSession(ctx, from)
		if err != nil {
			slog.Error("Router.handleResponse: failed to start session", "error", err, "from", from)
			if serr := r.svc.SendMessage(ctx, from, "Sorry, I can't start a journey for you right now."); serr != nil {
				slog.Warn("Router.handleResponse: failed to send failure notice", "error", serr, "from", from)
			}
			return
		}
	}

	reply, err := r.conversations.ProcessMessage(ctx, sessionID, resp.Body)
	if err != nil {
		// Session is gone; forget the participant so the next message
		// starts fresh.
		r.mu.Lock()
		delete(r.participants, from)
		r.mu.Unlock()
		slog.Debug("Router.handleResponse: session ended, participant forgotten", "from", from, "sessionID", sessionID)
		return
	}
	if reply != "" {
		if err := r.svc.SendMessage(ctx, from, reply); err != nil {
			slog.Warn("Router.handleResponse: failed to deliver reply", "error", err, "to", from)
		}
	}
}

// startSession starts the default workflow for a new participant, using the
// transport itself as the execution's output sink.
func (r *Router) startSession(ctx context.Context, from string) (string, error) {
	wf, err := r.workflows.Load(ctx, r.defaultFlow)
	if err != nil {
		return "", err
	}
	def, err := journey.ConvertWorkflowToJourney(wf)
	if err != nil {
		return "", err
	}

	sink := NewRecipientSink(r.svc, from)
	sess, err := r.sessions.StartSession(ctx, def, from, "", sink)
	if err != nil {
		return "", err
	}
	if _, err := r.conversations.InitializeConversation(ctx, sess.SessionID, wf.ID, from, "", models.ModeGuided, models.Preferences{Suggestions: true, ProgressNotifications: true}); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.participants[from] = sess.SessionID
	r.mu.Unlock()
	slog.Info("Router.startSession: session started for participant", "from", from, "sessionID", sess.SessionID, "workflowID", wf.ID)
	return sess.SessionID, nil
}
