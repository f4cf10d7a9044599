package relayqueue

import (
	"context"
	"fmt"

	"github.com/migadu/mailroute/consts"
	"github.com/migadu/mailroute/server/mail"
)

// Notifier is woken up after a message has been queued.
type Notifier interface {
	NotifyQueued()
}

// Outbox hands messages emitted by mailets over to the disk queue.
type Outbox struct {
	queue  *DiskQueue
	origin string
	notify Notifier
}

// NewOutbox returns an outbox recording origin as the emitting component.
// notify may be nil.
func NewOutbox(queue *DiskQueue, origin string, notify Notifier) *Outbox {
	return &Outbox{queue: queue, origin: origin, notify: notify}
}

// SendMail queues m for every one of its recipients in a single entry.
func (o *Outbox) SendMail(ctx context.Context, m *mail.Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rcpts := m.Recipients()
	if len(rcpts) == 0 {
		return fmt.Errorf("mail %s has no recipients", m.Name)
	}
	to := make([]string, len(rcpts))
	for i, r := range rcpts {
		to[i] = r.String()
	}

	raw, err := m.Bytes()
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	if _, err := o.queue.Enqueue(Envelope{
		Mail:   m.Name,
		Origin: o.origin,
		From:   m.SenderString(),
		To:     to,
	}, raw); err != nil {
		return err
	}

	if o.notify != nil {
		o.notify.NotifyQueued()
	}
	return nil
}
