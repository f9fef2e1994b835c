package rate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rada-service/internal/metrics"
	"rada-service/internal/models"
)

// QuoteSource is the read side of the Oracle used for pricing.
type QuoteSource interface {
	Current() (Quote, error)
}

// LockManager holds rate locks keyed by invoice id. A lock is never returned
// once now > ExpiresAt; expired entries are evicted lazily and by Sweep.
type LockManager struct {
	quotes        QuoteSource
	logger        *zap.Logger
	now           func() time.Time
	sweepInterval time.Duration

	mu    sync.Mutex
	locks map[string]*models.RateLock

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type LockManagerOption func(*LockManager)

func WithLockClock(now func() time.Time) LockManagerOption {
	return func(m *LockManager) { m.now = now }
}

func WithSweepInterval(d time.Duration) LockManagerOption {
	return func(m *LockManager) { m.sweepInterval = d }
}

func NewLockManager(quotes QuoteSource, logger *zap.Logger, opts ...LockManagerOption) *LockManager {
	m := &LockManager{
		quotes:        quotes,
		logger:        logger.Named("rate_locks"),
		now:           time.Now,
		sweepInterval: 30 * time.Second,
		locks:         make(map[string]*models.RateLock),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock prices ksh at the oracle's current rate and freezes it for ttl.
func (m *LockManager) Lock(ksh decimal.Decimal, invoiceID string, ttl time.Duration) (*models.RateLock, error) {
	q, err := m.quotes.Current()
	if err != nil {
		return nil, err
	}
	return m.LockAtQuote(ksh, q, invoiceID, ttl)
}

// LockAtQuote freezes the exact quote an invoice was priced with.
func (m *LockManager) LockAtQuote(ksh decimal.Decimal, q Quote, invoiceID string, ttl time.Duration) (*models.RateLock, error) {
	if q.Fallback || !q.Rate.IsPositive() {
		return nil, ErrRateUnavailable
	}
	if invoiceID == "" {
		return nil, fmt.Errorf("rate lock: empty invoice id")
	}
	sats, err := KshToSats(ksh, q.Rate)
	if err != nil {
		return nil, err
	}

	now := m.now()
	lock := &models.RateLock{
		InvoiceID:  invoiceID,
		Rate:       q.Rate,
		SatsAmount: sats,
		KshAmount:  ksh,
		LockedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}

	m.mu.Lock()
	if existing, ok := m.locks[invoiceID]; ok && existing.ValidAt(now) {
		m.mu.Unlock()
		return nil, ErrRateLockExists
	}
	m.locks[invoiceID] = lock
	n := len(m.locks)
	m.mu.Unlock()

	metrics.ActiveRateLocks.Set(float64(n))
	m.logger.Info("rate locked",
		zap.String("invoice_id", invoiceID),
		zap.String("rate", q.Rate.String()),
		zap.Int64("sats", int64(sats)),
		zap.String("ksh", ksh.String()),
		zap.Time("expires_at", lock.ExpiresAt),
	)
	return lock.Clone(), nil
}

// Get returns a copy of the lock while it is valid.
func (m *LockManager) Get(invoiceID string) (*models.RateLock, bool) {
	lock, err := m.lookup(invoiceID)
	if err != nil {
		return nil, false
	}
	return lock, true
}

// Consume returns the lock for settlement math. It keeps returning the same
// lock until Release, and fails with ErrRateLockExpired once it has lapsed.
func (m *LockManager) Consume(invoiceID string) (*models.RateLock, error) {
	lock, err := m.lookup(invoiceID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("rate lock consumed", zap.String("invoice_id", invoiceID))
	return lock, nil
}

func (m *LockManager) lookup(invoiceID string) (*models.RateLock, error) {
	now := m.now()

	m.mu.Lock()
	lock, ok := m.locks[invoiceID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRateLockNotFound
	}
	if !lock.ValidAt(now) {
		delete(m.locks, invoiceID)
		n := len(m.locks)
		m.mu.Unlock()
		metrics.ActiveRateLocks.Set(float64(n))
		return nil, ErrRateLockExpired
	}
	c := lock.Clone()
	m.mu.Unlock()
	return c, nil
}

func (m *LockManager) Release(invoiceID string) {
	m.mu.Lock()
	delete(m.locks, invoiceID)
	n := len(m.locks)
	m.mu.Unlock()
	metrics.ActiveRateLocks.Set(float64(n))
}

// Sweep evicts every expired lock and returns how many were removed.
func (m *LockManager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for id, lock := range m.locks {
		if !lock.ValidAt(now) {
			delete(m.locks, id)
			removed++
		}
	}
	n := len(m.locks)
	m.mu.Unlock()

	metrics.ActiveRateLocks.Set(float64(n))
	if removed > 0 {
		m.logger.Debug("expired rate locks swept", zap.Int("removed", removed))
	}
	return removed
}

func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *LockManager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

func (m *LockManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *LockManager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}
