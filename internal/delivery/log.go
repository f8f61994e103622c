package delivery

import (
	"context"
	"log/slog"

	"github.com/roach88/reajuste/internal/notify"
)

// Log "delivers" by writing the message to a logger. It is only wired
// when delivery.log_only is set; nothing reaches a recipient.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging deliverer. A nil logger means slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Deliver implements notify.Deliverer.
func (l *Log) Deliver(ctx context.Context, msg notify.Message) error {
	l.logger.InfoContext(ctx, "notification delivered to log",
		"notification_id", msg.RecordID,
		"channel", string(msg.Channel),
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
