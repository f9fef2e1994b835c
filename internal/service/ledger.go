package service

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rada-service/internal/metrics"
)

// RowWriter is satisfied by client.ClickHouseClient.
type RowWriter interface {
	InsertSettlementRows(ctx context.Context, rows [][]interface{}) error
}

// LedgerPublisher batches settlement events into the audit ledger. A batch
// is written when it reaches batchSize or when flushEvery elapses.
type LedgerPublisher struct {
	writer     RowWriter
	batchSize  int
	flushEvery time.Duration
	timeout    time.Duration
	logger     *zap.Logger

	events chan SettlementEvent
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewLedgerPublisher(writer RowWriter, batchSize int, flushEvery time.Duration, logger *zap.Logger) *LedgerPublisher {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	p := &LedgerPublisher{
		writer:     writer,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		timeout:    10 * time.Second,
		logger:     logger,
		events:     make(chan SettlementEvent, 4*batchSize),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *LedgerPublisher) Publish(ev SettlementEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		metrics.LedgerWrites.WithLabelValues("dropped").Inc()
		p.logger.Error("ledger buffer full, dropping event",
			zap.String("type", ev.Type),
			zap.String("invoice_id", ev.InvoiceID),
			zap.String("event_id", ev.EventID))
	}
}

func (p *LedgerPublisher) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	batch := make([]SettlementEvent, 0, p.batchSize)
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *LedgerPublisher) flush(batch []SettlementEvent) {
	if len(batch) == 0 {
		return
	}
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, ledgerRow(ev))
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.InsertSettlementRows(ctx, rows); err != nil {
		metrics.LedgerWrites.WithLabelValues("error").Add(float64(len(rows)))
		p.logger.Error("failed to write settlement ledger batch",
			zap.Error(err),
			zap.Int("events", len(rows)))
		return
	}
	metrics.LedgerWrites.WithLabelValues("ok").Add(float64(len(rows)))
}

// ledgerRow orders an event's fields as the settlement table's columns.
func ledgerRow(ev SettlementEvent) []interface{} {
	amountKes, rate := decimal.Zero, decimal.Zero
	if ev.AmountKes != nil {
		amountKes = *ev.AmountKes
	}
	if ev.Rate != nil {
		rate = *ev.Rate
	}
	return []interface{}{
		ev.EventID,
		ev.Type,
		ev.InvoiceID,
		ev.UserID,
		ev.OrderRef,
		ev.Service,
		ev.State,
		ev.Reason,
		ev.TransactionID,
		int64(ev.AmountSats),
		amountKes,
		rate,
		ev.AttributionRisk,
		ev.OccurredAt,
	}
}

// Close flushes buffered events and stops the writer goroutine.
func (p *LedgerPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

// FanoutPublisher sends every event to each of its publishers.
type FanoutPublisher []EventPublisher

func (f FanoutPublisher) Publish(ev SettlementEvent) {
	for _, p := range f {
		p.Publish(ev)
	}
}

func (f FanoutPublisher) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
