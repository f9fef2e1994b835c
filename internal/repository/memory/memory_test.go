package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rada-service/internal/models"
	"rada-service/internal/repository"
)

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

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

var (
	_ repository.SessionStore     = (*SessionStore)(nil)
	_ repository.CorrelationIndex = (*InvoiceIndex)(nil)
	_ repository.RateLimiter      = AllowAllLimiter{}
)

func TestSessionStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewSessionStore(time.Hour, WithClock(clock.Now))

	if _, err := store.Get(ctx, 1); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	sess := models.NewSession(1, time.Time{})
	sess.CurrentService = models.ServiceAirtime
	if err := store.Set(ctx, sess); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentService != models.ServiceAirtime || !got.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected session %+v", got)
	}

	got.CurrentService = models.ServiceGoods
	again, _ := store.Get(ctx, 1)
	if again.CurrentService != models.ServiceAirtime {
		t.Fatal("store returned shared pointer")
	}

	_ = store.Delete(ctx, 1)
	if _, err := store.Get(ctx, 1); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
}

func TestSessionStoreIdleExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewSessionStore(time.Hour, WithClock(clock.Now))
	_ = store.Set(ctx, models.NewSession(1, clock.Now()))

	clock.Advance(59 * time.Minute)
	if _, err := store.Patch(ctx, 1, func(s *models.Session) error {
		s.State = models.StateServiceSelected
		return nil
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := store.Get(ctx, 1); err != nil {
		t.Fatalf("patch must refresh idle expiry: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := store.Get(ctx, 1); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("expected idle-expired session, got %v", err)
	}
}

func TestSessionStorePatchErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Hour)
	_ = store.Set(ctx, models.NewSession(1, time.Now()))

	boom := errors.New("boom")
	_, err := store.Patch(ctx, 1, func(s *models.Session) error {
		s.State = models.StateConfirming
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := store.Get(ctx, 1)
	if got.State != models.StateIdle {
		t.Fatalf("failed patch leaked state %s", got.State)
	}

	if _, err := store.Patch(ctx, 2, func(*models.Session) error { return nil }); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Fatalf("patch of missing session: %v", err)
	}
}

func TestSessionStorePatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(time.Hour)
	sess := models.NewSession(1, time.Now())
	sess.PaymentRequest = models.NewPaymentRequest(models.ServiceQRScan)
	_ = store.Set(ctx, sess)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Patch(ctx, 1, func(s *models.Session) error {
				s.PaymentRequest.QRData += "x"
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, 1)
	if len(got.PaymentRequest.QRData) != 50 {
		t.Fatalf("lost patches: %d", len(got.PaymentRequest.QRData))
	}
}

func TestSessionStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewSessionStore(time.Hour, WithClock(clock.Now))

	old := models.NewSession(1, clock.Now())
	old.InvoiceID = "inv-old"
	_ = store.Set(ctx, old)
	clock.Advance(30 * time.Minute)
	_ = store.Set(ctx, models.NewSession(2, clock.Now()))
	clock.Advance(31 * time.Minute)

	expired, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].InvoiceID != "inv-old" {
		t.Fatalf("unexpected sweep result %+v", expired)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one live session, got %d", store.Len())
	}
}

func TestInvoiceIndex(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	idx := NewInvoiceIndex(2*time.Hour, WithClock(clock.Now))

	if _, err := idx.Lookup(ctx, "inv-1"); !errors.Is(err, repository.ErrInvoiceNotIndexed) {
		t.Fatalf("expected ErrInvoiceNotIndexed, got %v", err)
	}
	_ = idx.Put(ctx, "inv-1", 42)
	if uid, err := idx.Lookup(ctx, "inv-1"); err != nil || uid != 42 {
		t.Fatalf("lookup = %d, %v", uid, err)
	}

	clock.Advance(2*time.Hour + time.Second)
	if _, err := idx.Lookup(ctx, "inv-1"); !errors.Is(err, repository.ErrInvoiceNotIndexed) {
		t.Fatalf("expected expired entry to be gone, got %v", err)
	}
	if idx.Len() != 0 {
		t.Fatal("expired entry must be evicted")
	}

	_ = idx.Put(ctx, "inv-2", 7)
	_ = idx.Remove(ctx, "inv-2")
	if _, err := idx.Lookup(ctx, "inv-2"); !errors.Is(err, repository.ErrInvoiceNotIndexed) {
		t.Fatalf("expected removed entry to be gone, got %v", err)
	}
}
