package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wayline/wayline/internal/journey"
	"github.com/wayline/wayline/internal/models"
)

// startSessionRequest is the body of POST /sessions.
type startSessionRequest struct {
	WorkflowID  string                  `json:"workflow_id"`
	UserID      string                  `json:"user_id"`
	WorkspaceID string                  `json:"workspace_id"`
	Mode        models.ConversationMode `json:"mode,omitempty"`
	Preferences models.Preferences      `json:"preferences,omitempty"`
}

// messageRequest is the body of POST /sessions/{id}/messages.
type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	ids, err := s.workflows.List(r.Context())
	if err != nil {
		slog.Error("API.handleListWorkflows: list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to list workflows"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(ids))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if req.WorkflowID == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("workflow_id and user_id are required"))
		return
	}

	wf, err := s.workflows.Load(r.Context(), req.WorkflowID)
	if err != nil {
		slog.Warn("API.handleStartSession: workflow not found", "error", err, "workflowID", req.WorkflowID)
		writeJSON(w, http.StatusNotFound, models.Error("workflow not found"))
		return
	}
	def, err := journey.ConvertWorkflowToJourney(wf)
	if err != nil {
		slog.Error("API.handleStartSession: conversion failed", "error", err, "workflowID", req.WorkflowID)
		writeJSON(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}
	if s.st != nil {
		if err := s.st.SaveDefinition(r.Context(), def); err != nil {
			slog.Warn("API.handleStartSession: failed to persist definition", "error", err, "definitionID", def.ID)
		}
	}

	sink := NewBufferSink()
	sess, err := s.sessions.StartSession(r.Context(), def, req.UserID, req.WorkspaceID, sink)
	if err != nil {
		slog.Error("API.handleStartSession: session start failed", "error", err, "workflowID", req.WorkflowID)
		writeJSON(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}
	s.sinks.put(sess.SessionID, sink)

	mode := req.Mode
	if mode == "" {
		mode = models.ModeGuided
	}
	greeting, err := s.conversations.InitializeConversation(r.Context(), sess.SessionID, req.WorkflowID, req.UserID, req.WorkspaceID, mode, req.Preferences)
	if err != nil {
		slog.Error("API.handleStartSession: conversation init failed", "error", err, "sessionID", sess.SessionID)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to initialize conversation"))
		return
	}

	writeJSON(w, http.StatusCreated, models.Success(map[string]any{
		"session":  sess,
		"greeting": greeting,
	}))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(sess))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	reply, err := s.conversations.ProcessMessage(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"reply": reply}))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	tracker, err := s.sessions.SessionProgress(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(tracker))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	sink := s.sinks.get(r.PathValue("id"))
	if sink == nil {
		writeJSON(w, http.StatusNotFound, models.Error("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(sink.Drain()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ResumeSession(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, models.ErrNotPaused) {
			writeJSON(w, http.StatusConflict, models.Error("session is not paused"))
			return
		}
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	summary, err := s.sessions.TerminateSession(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	s.sinks.remove(sessionID)
	writeJSON(w, http.StatusOK, models.Success(summary))
}

func (s *Server) handleVisualization(w http.ResponseWriter, r *http.Request) {
	kind := models.VisualizationKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = models.VisualizationLinear
	}
	viz, err := s.broadcaster.Visualize(r.PathValue("id"), kind)
	if err != nil {
		writeJSON(w, http.StatusNotFound, models.Error("journey not found"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(viz))
}

func (s *Server) handleSetAlerts(w http.ResponseWriter, r *http.Request) {
	var rules []models.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := s.broadcaster.SetAlertRules(r.PathValue("id"), rules); err != nil {
		writeJSON(w, http.StatusNotFound, models.Error("journey not found"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(nil))
}

// handleTwilioWebhook receives Twilio's inbound-message callback. Twilio
// posts form data with From as "whatsapp:+E164" and the text in Body.
func (s *Server) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid form body"))
		return
	}
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("From and Body are required"))
		return
	}
	s.twilio.HandleIncoming(from, body)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(s.broadcaster.Stats()))
}

// writeSessionError maps session-layer errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, models.Error("session not found"))
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, body models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("API.writeJSON: encode failed", "error", err)
	}
}
