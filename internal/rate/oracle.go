package rate

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rada-service/internal/metrics"
)

// RateSource fetches the live KES per BTC rate.
type RateSource interface {
	GetExchangeRate(ctx context.Context) (decimal.Decimal, error)
}

// Quote is a point-in-time KES per BTC rate.
type Quote struct {
	Rate      decimal.Decimal
	UpdatedAt time.Time
	// Stale is set on a display quote older than the oracle's max age.
	Stale bool
	// Fallback marks the configured indicative rate; never used for pricing.
	Fallback bool
}

func (q Quote) SatsPerKes() decimal.Decimal {
	return SatsPerKes(q.Rate)
}

// Oracle caches the provider rate and refreshes it on an interval. It is the
// only writer of the cached rate; everything else reads quotes.
type Oracle struct {
	source   RateSource
	logger   *zap.Logger
	interval time.Duration
	maxAge   time.Duration
	fallback decimal.Decimal
	timeout  time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	rate      decimal.Decimal
	updatedAt time.Time

	group     singleflight.Group
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type OracleOption func(*Oracle)

func WithPollInterval(d time.Duration) OracleOption {
	return func(o *Oracle) { o.interval = d }
}

func WithMaxAge(d time.Duration) OracleOption {
	return func(o *Oracle) { o.maxAge = d }
}

// WithFallbackRate configures a display-only rate for when no fresh quote exists.
func WithFallbackRate(r decimal.Decimal) OracleOption {
	return func(o *Oracle) { o.fallback = r }
}

func WithOracleClock(now func() time.Time) OracleOption {
	return func(o *Oracle) { o.now = now }
}

func NewOracle(source RateSource, logger *zap.Logger, opts ...OracleOption) *Oracle {
	o := &Oracle{
		source:   source,
		logger:   logger.Named("rate_oracle"),
		interval: 30 * time.Second,
		maxAge:   60 * time.Second,
		timeout:  10 * time.Second,
		fallback: decimal.Zero,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start fetches once synchronously and then polls until Stop.
func (o *Oracle) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if err := o.Refresh(ctx); err != nil {
			o.logger.Warn("initial exchange rate fetch failed", zap.Error(err))
		}
		o.wg.Add(1)
		go o.loop()
	})
}

func (o *Oracle) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (o *Oracle) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			if err := o.Refresh(ctx); err != nil {
				o.logger.Error("failed to update exchange rate", zap.Error(err))
			}
			cancel()
		case <-o.stopCh:
			return
		}
	}
}

// Refresh pulls a new rate from the source. Concurrent callers share one fetch.
func (o *Oracle) Refresh(ctx context.Context) error {
	_, err, _ := o.group.Do("refresh", func() (interface{}, error) {
		r, err := o.source.GetExchangeRate(ctx)
		if err != nil {
			metrics.RateRefresh.WithLabelValues("error").Inc()
			return nil, err
		}
		if !r.IsPositive() {
			metrics.RateRefresh.WithLabelValues("invalid").Inc()
			return nil, ErrRateUnavailable
		}

		o.mu.Lock()
		o.rate = r
		o.updatedAt = o.now()
		o.mu.Unlock()

		metrics.RateRefresh.WithLabelValues("ok").Inc()
		o.logger.Debug("exchange rate updated", zap.String("rate", r.String()))
		return nil, nil
	})
	return err
}

// Current returns the cached rate if it is younger than max age. This is the
// only quote that may price an invoice or a rate lock.
func (o *Oracle) Current() (Quote, error) {
	o.mu.RLock()
	r, at := o.rate, o.updatedAt
	o.mu.RUnlock()

	if !r.IsPositive() || o.now().Sub(at) > o.maxAge {
		return Quote{}, ErrRateUnavailable
	}
	return Quote{Rate: r, UpdatedAt: at}, nil
}

// Display returns a quote for showing to users: the fresh rate, else the last
// known rate flagged Stale, else the fallback rate flagged Fallback.
func (o *Oracle) Display() (Quote, error) {
	if q, err := o.Current(); err == nil {
		return q, nil
	}

	o.mu.RLock()
	r, at := o.rate, o.updatedAt
	o.mu.RUnlock()

	if r.IsPositive() {
		return Quote{Rate: r, UpdatedAt: at, Stale: true}, nil
	}
	if o.fallback.IsPositive() {
		return Quote{Rate: o.fallback, Fallback: true, Stale: true}, nil
	}
	return Quote{}, ErrRateUnavailable
}

// Healthy reports whether Current would succeed.
func (o *Oracle) Healthy() bool {
	_, err := o.Current()
	return err == nil
}
