package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wayline/wayline/internal/broadcast"
	"github.com/wayline/wayline/internal/conversation"
	"github.com/wayline/wayline/internal/engine"
	"github.com/wayline/wayline/internal/journey"
	"github.com/wayline/wayline/internal/messaging"
	"github.com/wayline/wayline/internal/models"
	"github.com/wayline/wayline/internal/session"
	"github.com/wayline/wayline/internal/store"
)

func testWorkflow() *journey.Workflow {
	return &journey.Workflow{
		ID:   "onboarding",
		Name: "Onboarding",
		Nodes: []journey.WorkflowNode{
			{ID: "start", Type: "start", Name: "Start"},
			{ID: "ask_name", Type: "question", Name: "Ask name", Config: map[string]any{"prompt": "What's your name?"}},
			{ID: "done", Type: "end", Name: "Done"},
		},
		Edges: []journey.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "ask_name"},
			{ID: "e2", Source: "ask_name", Target: "done"},
		},
	}
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	broadcaster := broadcast.NewService()
	sessions := session.NewService(engine.NewEngine(), session.WithBroadcaster(broadcaster))
	conversations := conversation.NewService(sessions)
	workflows := journey.NewMemorySource()
	workflows.Add(testWorkflow())
	return NewServer(sessions, conversations, broadcaster, workflows, st), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("%s %s: decode response failed: %v", method, path, err)
	}
	return rec, resp
}

func startSession(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec, resp := doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{
		"workflow_id": "onboarding",
		"user_id":     "user1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", rec.Code, resp)
	}
	payload, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape %T", resp.Result)
	}
	sess, ok := payload["session"].(map[string]any)
	if !ok {
		t.Fatalf("missing session in payload %v", payload)
	}
	id, _ := sess["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session id in %v", sess)
	}
	if greeting, _ := payload["greeting"].(string); greeting == "" {
		t.Error("expected a greeting")
	}
	return id
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("unexpected health response %d %+v", rec.Code, resp)
	}
}

func TestListWorkflows(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := doJSON(t, srv.Handler(), http.MethodGet, "/workflows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ids, ok := resp.Result.([]any)
	if !ok || len(ids) != 1 || ids[0] != "onboarding" {
		t.Fatalf("unexpected workflow list %v", resp.Result)
	}
}

func TestStartSessionPersistsDefinition(t *testing.T) {
	srv, st := newTestServer(t)
	startSession(t, srv.Handler())

	def, err := st.GetDefinition(t.Context(), "journey_onboarding")
	if err != nil {
		t.Fatalf("definition was not persisted: %v", err)
	}
	if def.Title != "Onboarding" {
		t.Errorf("unexpected definition %+v", def)
	}
}

func TestStartSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	rec, _ := doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{"user_id": "user1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing workflow_id: expected 400, got %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{
		"workflow_id": "nope",
		"user_id":     "user1",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown workflow: expected 404, got %d", rec.Code)
	}
}

func TestSessionMessageFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	id := startSession(t, handler)

	// The buffered output contains the welcome and the chat prompt.
	rec, resp := doJSON(t, handler, http.MethodGet, "/sessions/"+id+"/output", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("output: expected 200, got %d", rec.Code)
	}
	lines, _ := resp.Result.([]any)
	var sawPrompt bool
	for _, line := range lines {
		if s, _ := line.(string); strings.Contains(s, "What's your name?") {
			sawPrompt = true
		}
	}
	if !sawPrompt {
		t.Errorf("expected chat prompt in output, got %v", lines)
	}

	// Progress is halfway at the chat state.
	rec, resp = doJSON(t, handler, http.MethodGet, "/sessions/"+id+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", rec.Code)
	}
	tracker, _ := resp.Result.(map[string]any)
	if pct, _ := tracker["completion_percentage"].(float64); pct != 50 {
		t.Errorf("expected 50%% at chat state, got %v", tracker["completion_percentage"])
	}

	// Answering the prompt completes the journey.
	rec, resp = doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"message": "Ada"})
	if rec.Code != http.StatusOK {
		t.Fatalf("message: expected 200, got %d: %+v", rec.Code, resp)
	}

	rec, resp = doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rec.Code)
	}
	sess, _ := resp.Result.(map[string]any)
	if status, _ := sess["status"].(string); status != string(models.SessionStatusCompleted) {
		t.Errorf("expected completed session, got %v", sess["status"])
	}
}

func TestPauseResumeAndTerminate(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	id := startSession(t, handler)

	// Resume before pause conflicts.
	rec, _ := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resume unpaused: expected 409, got %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}
	rec, _ = doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}

	rec, resp := doJSON(t, handler, http.MethodDelete, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("terminate: expected 200, got %d", rec.Code)
	}
	summary, _ := resp.Result.(map[string]any)
	if status, _ := summary["final_status"].(string); status != string(models.SessionStatusTerminated) {
		t.Errorf("expected terminated summary, got %v", summary["final_status"])
	}

	// Everything about the session is gone now.
	for _, path := range []string{
		"/sessions/" + id,
		"/sessions/" + id + "/progress",
		"/sessions/" + id + "/output",
	} {
		if rec, _ := doJSON(t, handler, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s after terminate: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	rec, _ := doJSON(t, handler, http.MethodGet, "/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec, _ = doJSON(t, handler, http.MethodPost, "/sessions/nope/messages", map[string]string{"message": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestVisualizationAndStats(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	id := startSession(t, handler)

	rec, resp := doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rec.Code)
	}
	sess, _ := resp.Result.(map[string]any)
	journeyID, _ := sess["journey_id"].(string)
	if journeyID == "" {
		t.Fatal("missing journey id")
	}

	rec, resp = doJSON(t, handler, http.MethodGet, "/journeys/"+journeyID+"/visualization", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("visualization: expected 200, got %d", rec.Code)
	}
	viz, _ := resp.Result.(map[string]any)
	if _, ok := viz["nodes"]; !ok {
		t.Errorf("visualization missing nodes: %v", viz)
	}

	rec, _ = doJSON(t, handler, http.MethodGet, "/journeys/unknown/visualization", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown journey visualization: expected 404, got %d", rec.Code)
	}

	rec, resp = doJSON(t, handler, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	stats, _ := resp.Result.(map[string]any)
	if total, _ := stats["total_journeys"].(float64); total != 1 {
		t.Errorf("expected 1 total journey, got %v", stats["total_journeys"])
	}
}

func TestTwilioWebhook(t *testing.T) {
	st := store.NewInMemoryStore()
	broadcaster := broadcast.NewService()
	sessions := session.NewService(engine.NewEngine())
	conversations := conversation.NewService(sessions)
	workflows := journey.NewMemorySource()

	twilioSvc := messaging.NewTwilioService(&nullSender{})
	srv := NewServer(sessions, conversations, broadcaster, workflows, st, WithTwilioWebhook(twilioSvc))
	handler := srv.Handler()

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	select {
	case resp := <-twilioSvc.Responses():
		if resp.From != "+15551234567" || resp.Body != "hello" {
			t.Errorf("unexpected response %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook did not feed the response channel")
	}

	// Missing fields are rejected.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader("From=whatsapp%3A%2B15551234567"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing Body, got %d", rec.Code)
	}
}

type nullSender struct{}

func (nullSender) SendMessage(context.Context, string, string) error { return nil }

func TestSetAlertRules(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	id := startSession(t, handler)

	rec, resp := doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rec.Code)
	}
	sess, _ := resp.Result.(map[string]any)
	journeyID, _ := sess["journey_id"].(string)

	rules := []models.AlertRule{{
		ID:         "halfway",
		Condition:  models.AlertConditionThreshold,
		Comparison: "gte",
		Value:      50,
		Actions:    []string{models.AlertActionNotify},
	}}
	rec, _ = doJSON(t, handler, http.MethodPost, "/journeys/"+journeyID+"/alerts", rules)
	if rec.Code != http.StatusOK {
		t.Fatalf("set alerts: expected 200, got %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/journeys/unknown/alerts", rules)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown journey alerts: expected 404, got %d", rec.Code)
	}
}
