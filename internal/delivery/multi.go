package delivery

import (
	"context"
	"fmt"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/notify"
)

// Multi routes each message to the deliverer of its channel.
type Multi map[domain.Channel]notify.Deliverer

// Deliver implements notify.Deliverer. A channel without a deliverer is a
// permanent failure.
func (m Multi) Deliver(ctx context.Context, msg notify.Message) error {
	d, ok := m[msg.Channel]
	if !ok || d == nil {
		return notify.Permanent(fmt.Errorf("no deliverer for channel %q", msg.Channel))
	}
	return d.Deliver(ctx, msg)
}
