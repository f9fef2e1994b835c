package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rada-service/internal/bucketing"
	"rada-service/internal/models"
	"rada-service/internal/rate"
	"rada-service/internal/repository/memory"
)

const testUser int64 = 4242

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubQuotes struct {
	mu    sync.Mutex
	quote rate.Quote
	err   error
}

func (s *stubQuotes) set(r string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quote = rate.Quote{Rate: decimal.RequireFromString(r), UpdatedAt: at}
	s.err = nil
}

func (s *stubQuotes) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = rate.ErrRateUnavailable
}

func (s *stubQuotes) Current() (rate.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return rate.Quote{}, s.err
	}
	return s.quote, nil
}

func (s *stubQuotes) Display() (rate.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return rate.Quote{Rate: decimal.NewFromInt(40000000), Fallback: true, Stale: true}, nil
	}
	return s.quote, nil
}

type stubInvoices struct {
	mu    sync.Mutex
	calls []btcutil.Amount
	err   error
	clock *testClock
}

func (s *stubInvoices) IssueInvoice(ctx context.Context, amountSats btcutil.Amount, description string, expiry time.Duration) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, amountSats)
	n := len(s.calls)
	return &models.Invoice{
		InvoiceID: fmt.Sprintf("inv-%d", n),
		Bolt11:    fmt.Sprintf("lnbc%dn1test%d", amountSats, n),
		ExpiresAt: s.clock.Now().Add(expiry),
	}, nil
}

func (s *stubInvoices) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubPayouts struct {
	mu    sync.Mutex
	calls []models.PayoutInstruction
	err   error
	delay time.Duration
	n     atomic.Int64
}

func (s *stubPayouts) ExecutePayout(ctx context.Context, instr models.PayoutInstruction) (*models.PayoutReceipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, instr)
	if s.err != nil {
		return nil, s.err
	}
	return &models.PayoutReceipt{TransactionID: fmt.Sprintf("tx-%d", s.n.Add(1))}, nil
}

func (s *stubPayouts) instructions() []models.PayoutInstruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PayoutInstruction(nil), s.calls...)
}

type recordingMessenger struct {
	mu      sync.Mutex
	replies map[int64][]models.Reply
}

func (m *recordingMessenger) Deliver(ctx context.Context, chatID int64, r models.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replies == nil {
		m.replies = make(map[int64][]models.Reply)
	}
	m.replies[chatID] = append(m.replies[chatID], r)
	return nil
}

func (m *recordingMessenger) sent(chatID int64) []models.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Reply(nil), m.replies[chatID]...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SettlementEvent
}

func (p *recordingPublisher) Publish(ev SettlementEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(typ string) []SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SettlementEvent
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	clock        *testClock
	sessions     *memory.SessionStore
	index        *memory.InvoiceIndex
	quotes       *stubQuotes
	locks        *rate.LockManager
	invoices     *stubInvoices
	payouts      *stubPayouts
	messenger    *recordingMessenger
	notifier     *Notifier
	events       *recordingPublisher
	logs         *observer.ObservedLogs
	settlement   *SettlementService
	conversation *ConversationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	h := &harness{
		clock:     clock,
		sessions:  memory.NewSessionStore(time.Hour, memory.WithClock(clock.Now)),
		index:     memory.NewInvoiceIndex(2*time.Hour, memory.WithClock(clock.Now)),
		quotes:    &stubQuotes{},
		invoices:  &stubInvoices{clock: clock},
		payouts:   &stubPayouts{},
		messenger: &recordingMessenger{},
		events:    &recordingPublisher{},
		logs:      logs,
	}
	h.quotes.set("43500000", clock.Now())
	h.locks = rate.NewLockManager(h.quotes, logger, rate.WithLockClock(clock.Now))
	h.notifier = NewNotifier(h.messenger, time.Second)

	userLocks := bucketing.NewKeyedMutex(16)
	h.settlement = NewSettlementService(h.sessions, h.index, h.locks, h.payouts, h.notifier, h.events, userLocks, logger,
		WithSettlementClock(clock.Now))

	var refs atomic.Int64
	h.conversation = NewConversationService(h.sessions, h.index, h.quotes, h.locks, h.invoices, h.settlement,
		memory.AllowAllLimiter{}, h.events, userLocks,
		ConversationConfig{
			Limits:        Limits{Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(150000)},
			InvoiceExpiry: 2 * time.Minute,
			RateLockTTL:   2 * time.Minute,
		},
		logger,
		WithConversationClock(clock.Now),
		WithOrderRefs(func() string { return fmt.Sprintf("ORDER%d", refs.Add(1)) }),
	)
	return h
}

// issueAirtimeInvoice walks a user through airtime for 1000 KES up to an
// issued invoice and returns the session.
func (h *harness) issueAirtimeInvoice(t *testing.T, userID int64) *models.Session {
	t.Helper()
	ctx := context.Background()
	steps := []func() ([]models.Reply, error){
		func() ([]models.Reply, error) { return h.conversation.Start(ctx, userID) },
		func() ([]models.Reply, error) {
			return h.conversation.SelectService(ctx, userID, models.ServiceAirtime, 0)
		},
		func() ([]models.Reply, error) { return h.conversation.HandleText(ctx, userID, "0712345678") },
		func() ([]models.Reply, error) { return h.conversation.HandleText(ctx, userID, "1000") },
		func() ([]models.Reply, error) { return h.conversation.Confirm(ctx, userID, 0) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	sess, err := h.sessions.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.HasInvoice() {
		t.Fatalf("expected invoice on session, state=%s", sess.State)
	}
	return sess
}

func (h *harness) paid(invoiceID string, sats btcutil.Amount) *models.LightningWebhook {
	at := h.clock.Now()
	return &models.LightningWebhook{InvoiceID: invoiceID, Status: models.LightningPaid, AmountSats: sats, PaidAt: &at}
}

func errorLogs(logs *observer.ObservedLogs, msg string) int {
	return logs.FilterMessage(msg).FilterLevelExact(zapcore.ErrorLevel).Len()
}

var errProvider = errors.New("provider down")
