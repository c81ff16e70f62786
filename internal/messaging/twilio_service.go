package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/wayline/wayline/internal/models"
	"github.com/wayline/wayline/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API. Twilio has
// no event stream; inbound messages arrive via the HTTP webhook, which feeds
// HandleIncoming.
type TwilioService struct {
	sender    twiliowhatsapp.Sender
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
}

// NewTwilioService creates a TwilioService around the given sender.
func NewTwilioService(sender twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		sender:    sender,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient normalizes the recipient to E.164.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op: Twilio delivers inbound traffic over its webhook.
func (s *TwilioService) Start(_ context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	close(s.done)
	close(s.receipts)
	close(s.responses)
	slog.Info("TwilioService.Stop: stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if err := s.sender.SendMessage(ctx, to, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "error", err, "to", to)
		return err
	}
	select {
	case s.receipts <- models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()}:
	default:
		slog.Warn("TwilioService.SendMessage: receipts channel full, dropping receipt", "to", to)
	}
	return nil
}

// HandleIncoming feeds a webhook-delivered inbound message into the response
// channel. Drops the message when the channel stays full past the timeout.
func (s *TwilioService) HandleIncoming(from, body string) {
	response := models.Response{From: from, Body: body, Time: time.Now().Unix()}
	select {
	case s.responses <- response:
		slog.Debug("TwilioService.HandleIncoming: forwarded", "from", from)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService.HandleIncoming: responses channel blocked, dropping message", "from", from)
	}
}

// Receipts returns the receipt event channel.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the incoming response channel.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}
