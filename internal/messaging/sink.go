package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/wayline/wayline/internal/models"
)

// RecipientSink adapts a messaging Service into a per-recipient output sink
// for journey executions: everything the engine wants the user to see becomes
// an outbound message to that recipient.
type RecipientSink struct {
	svc Service
	to  string
}

// NewRecipientSink creates a sink delivering to one canonicalized recipient.
func NewRecipientSink(svc Service, to string) *RecipientSink {
	return &RecipientSink{svc: svc, to: to}
}

// SendMessage delivers a plain message.
func (s *RecipientSink) SendMessage(ctx context.Context, message string) error {
	return s.svc.SendMessage(ctx, s.to, message)
}

// RequestInput delivers the prompt; the answer arrives asynchronously through
// the transport's response channel, so the immediate reply is empty.
func (s *RecipientSink) RequestInput(ctx context.Context, prompt string) (string, error) {
	if err := s.svc.SendMessage(ctx, s.to, prompt); err != nil {
		return "", err
	}
	return "", nil
}

// ShowProgress delivers a compact progress line.
func (s *RecipientSink) ShowProgress(ctx context.Context, tracker *models.ProgressTracker) error {
	if tracker == nil {
		return nil
	}
	return s.svc.SendMessage(ctx, s.to, formatProgress(tracker))
}

// DisplayError delivers an error notice.
func (s *RecipientSink) DisplayError(ctx context.Context, err error) error {
	return s.svc.SendMessage(ctx, s.to, fmt.Sprintf("Something went wrong: %s", err))
}

// NotifyCompletion delivers the completion message.
func (s *RecipientSink) NotifyCompletion(ctx context.Context, result *models.ExecutionResult) error {
	msg := "All done!"
	if result != nil && result.Progress != nil {
		msg = fmt.Sprintf("All done! %d%% complete.", result.Progress.CompletionPercentage)
	}
	return s.svc.SendMessage(ctx, s.to, msg)
}

// formatProgress renders a ten-segment text progress bar.
func formatProgress(tracker *models.ProgressTracker) string {
	filled := tracker.CompletionPercentage / 10
	if filled > 10 {
		filled = 10
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", 10-filled)
	return fmt.Sprintf("[%s] %d%% - %s", bar, tracker.CompletionPercentage, tracker.CurrentStateName)
}
