package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/metrics"
	"rada-service/internal/models"
)

// expiredSessionSource is the sweep side of the session store.
type expiredSessionSource interface {
	SweepExpired(ctx context.Context) ([]*models.Session, error)
}

// invoiceReleaser drops what an evicted session still references.
type invoiceReleaser interface {
	ReleaseExpired(ctx context.Context, sess *models.Session)
}

// SessionSweeper periodically evicts idle sessions and releases their
// correlation-index entries and rate locks.
type SessionSweeper struct {
	store    expiredSessionSource
	releaser invoiceReleaser
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	ticker   *time.Ticker
	done     chan struct{}
}

func NewSessionSweeper(store expiredSessionSource, releaser invoiceReleaser, interval time.Duration, logger *zap.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionSweeper{
		store:    store,
		releaser: releaser,
		logger:   logger.Named("session_sweeper"),
		interval: interval,
		timeout:  30 * time.Second,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *SessionSweeper) Start() {
	if w == nil {
		return
	}
	w.ticker = time.NewTicker(w.interval)
	go w.loop()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (w *SessionSweeper) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.ticker != nil {
			w.ticker.Stop()
			<-w.done
		}
	})
}

func (w *SessionSweeper) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			w.Sweep(ctx)
			cancel()
		case <-w.stopChan:
			return
		}
	}
}

// Sweep runs one eviction pass and returns how many sessions it removed.
func (w *SessionSweeper) Sweep(ctx context.Context) int {
	expired, err := w.store.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("failed to sweep expired sessions", zap.Error(err))
		return 0
	}
	for _, sess := range expired {
		w.releaser.ReleaseExpired(ctx, sess)
	}
	if n := len(expired); n > 0 {
		metrics.SessionsSwept.Add(float64(n))
		w.logger.Info("expired sessions swept", zap.Int("count", n))
	}
	return len(expired)
}
