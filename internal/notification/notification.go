package notification

import (
	"context"
	"log/slog"
)

// Notification kinds emitted by the engine. Delivery is fire-and-forget;
// correctness never depends on it.
const (
	KindFundingConfirmed    = "funding_confirmed"
	KindPaymentCompleted    = "payment_completed"
	KindTransferReceived    = "transfer_received"
	KindScheduleDeactivated = "schedule_deactivated"
	KindLowBalance          = "low_balance"
)

// Message describes a notification payload.
type Message struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Reference   string `json:"reference,omitempty"`
	Body        string `json:"body"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the
// structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"reference", message.Reference,
		"body", message.Body)
	return nil
}
