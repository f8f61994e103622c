package notify

//go:generate mockgen -destination=mocks/mock_deliverer.go -package=mock_notify -source=deliverer.go

import (
	"context"
	"errors"

	"github.com/roach88/reajuste/internal/domain"
)

// Message is one rendered due-date notice.
type Message struct {
	RecordID      string         `json:"record_id"`
	Channel       domain.Channel `json:"channel"`
	To            string         `json:"to"`
	RecipientName string         `json:"recipient_name"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
}

// Deliverer sends a message over its channel. Errors are retried on a
// later pass unless wrapped with Permanent.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// PermanentError marks a delivery failure that retrying cannot fix, such
// as a malformed address or an unsupported channel.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent delivery failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent returns true if err is a PermanentError.
// Uses errors.As to handle wrapped errors.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
