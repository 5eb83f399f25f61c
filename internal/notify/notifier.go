package notify

import (
	"context"
	"sync"
	"time"

	"settlement-api/pkg/logging"
)

// Sender delivers events over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Notifier fans events out to every sender in the background.
type Notifier struct {
	senders []Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier. Nil senders are skipped.
func NewNotifier(senders ...Sender) *Notifier {
	n := &Notifier{timeout: 2 * time.Minute}
	for _, s := range senders {
		if s != nil {
			n.senders = append(n.senders, s)
		}
	}
	return n
}

// Emit delivers events asynchronously. Errors are logged, never returned.
func (n *Notifier) Emit(events ...Event) {
	for _, event := range events {
		for _, sender := range n.senders {
			n.wg.Add(1)
			go func(s Sender, e Event) {
				defer n.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
				defer cancel()

				if err := s.Send(ctx, e); err != nil {
					logging.Errorf("Notification failed - sender: %s, event: %s, order: %d, error: %v",
						s.Name(), e.Type, e.OrderID, err)
				}
			}(sender, event)
		}
	}
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
