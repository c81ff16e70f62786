package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wayline/wayline/internal/models"
)

// scanSession scans an AgentSession from a single sql.Row. The column order
// must match the SELECT lists in sqlite.go and postgres.go.
func scanSession(row *sql.Row) (*models.AgentSession, error) {
	var session models.AgentSession
	var status, history string
	err := row.Scan(
		&session.SessionID, &session.JourneyID, &session.UserID, &session.WorkspaceID,
		&status, &session.StartTime, &session.LastActivity, &history,
	)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(history), &session.ConversationHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	return &session, nil
}
