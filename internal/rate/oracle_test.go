package rate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubSource struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (s *stubSource) GetExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.err
}

func (s *stubSource) set(rate string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate != "" {
		s.rate = decimal.RequireFromString(rate)
	}
	s.err = err
}

func TestOracleCurrentBeforeFirstFetch(t *testing.T) {
	o := NewOracle(&stubSource{}, zap.NewNop())
	if _, err := o.Current(); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
	if _, err := o.Display(); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected display to fail without fallback, got %v", err)
	}
}

func TestOracleStaleness(t *testing.T) {
	clock := newFakeClock()
	src := &stubSource{}
	src.set("43500000", nil)
	o := NewOracle(src, zap.NewNop(), WithMaxAge(time.Minute), WithOracleClock(clock.Now))

	if err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	q, err := o.Current()
	if err != nil || !q.Rate.Equal(decimal.NewFromInt(43500000)) {
		t.Fatalf("unexpected quote %+v err %v", q, err)
	}

	clock.Advance(61 * time.Second)
	if _, err := o.Current(); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("stale rate must not price invoices, got %v", err)
	}
	d, err := o.Display()
	if err != nil || !d.Stale || d.Fallback {
		t.Fatalf("expected stale display quote, got %+v err %v", d, err)
	}
}

func TestOracleFailedRefreshKeepsLastRate(t *testing.T) {
	clock := newFakeClock()
	src := &stubSource{}
	src.set("43500000", nil)
	o := NewOracle(src, zap.NewNop(), WithOracleClock(clock.Now))
	_ = o.Refresh(context.Background())

	src.set("", errors.New("provider down"))
	if err := o.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if _, err := o.Current(); err != nil {
		t.Fatalf("last good rate should still be current: %v", err)
	}
}

func TestOracleFallbackIsDisplayOnly(t *testing.T) {
	src := &stubSource{}
	src.set("", errors.New("provider down"))
	o := NewOracle(src, zap.NewNop(), WithFallbackRate(decimal.NewFromInt(40000000)))
	_ = o.Refresh(context.Background())

	if _, err := o.Current(); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("fallback must never be current, got %v", err)
	}
	d, err := o.Display()
	if err != nil || !d.Fallback {
		t.Fatalf("expected flagged fallback quote, got %+v err %v", d, err)
	}

	locks := NewLockManager(o, zap.NewNop())
	if _, err := locks.LockAtQuote(decimal.NewFromInt(100), d, "inv-1", time.Minute); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("fallback quote must not be lockable, got %v", err)
	}
}

func TestOracleRejectsNonPositiveRate(t *testing.T) {
	src := &stubSource{}
	src.set("0", nil)
	o := NewOracle(src, zap.NewNop())
	if err := o.Refresh(context.Background()); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestOracleConcurrentRefreshSharesFetch(t *testing.T) {
	src := &stubSource{block: make(chan struct{})}
	src.set("43500000", nil)
	o := NewOracle(src, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Refresh(context.Background())
		}()
	}
	// Let every goroutine join the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(src.block)
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestOracleStartStop(t *testing.T) {
	src := &stubSource{}
	src.set("43500000", nil)
	o := NewOracle(src, zap.NewNop(), WithPollInterval(10*time.Millisecond))

	o.Start(context.Background())
	if !o.Healthy() {
		t.Fatal("expected oracle to be healthy after start")
	}
	time.Sleep(35 * time.Millisecond)
	o.Stop()
	o.Stop()

	if src.calls.Load() < 2 {
		t.Fatalf("expected polling to refresh, got %d calls", src.calls.Load())
	}
}
