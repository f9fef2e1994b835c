package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/models"
	"rada-service/internal/util"
)

// Notifier pushes settlement messages to users without blocking the webhook
// path. Delivery failures are logged and dropped.
type Notifier struct {
	messenger Messenger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewNotifier(messenger Messenger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{messenger: messenger, timeout: timeout}
}

func (n *Notifier) Notify(userID int64, r models.Reply) {
	if n == nil || n.messenger == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.messenger.Deliver(ctx, userID, r); err != nil {
			util.Warn("failed to deliver notification", util.UserID(userID), zap.Error(err))
		}
	}()
}

// Wait blocks until every pending notification has been attempted.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
