package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rada-service/internal/metrics"
	"rada-service/internal/models"
)

// Settlement event types.
const (
	EventInvoiceIssued      = "invoice_issued"
	EventLightningConfirmed = "lightning_confirmed"
	EventPayoutRequested    = "payout_requested"
	EventPayoutConfirmed    = "payout_confirmed"
	EventPayoutFailed       = "payout_failed"
	EventLightningExpired   = "lightning_expired"
	EventLightningFailed    = "lightning_failed"
	EventAttributionRisk    = "attribution_risk"
)

// SettlementEvent is the audit record emitted for every settlement step.
type SettlementEvent struct {
	EventID         string           `json:"eventId"`
	Type            string           `json:"type"`
	InvoiceID       string           `json:"invoiceId"`
	UserID          int64            `json:"userId,omitempty"`
	OrderRef        string           `json:"orderRef,omitempty"`
	Service         string           `json:"service,omitempty"`
	State           string           `json:"state,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	TransactionID   string           `json:"transactionId,omitempty"`
	AmountSats      btcutil.Amount   `json:"amountSats,omitempty"`
	AmountKes       *decimal.Decimal `json:"amountKes,omitempty"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
	AttributionRisk bool             `json:"attributionRisk,omitempty"`
	OccurredAt      time.Time        `json:"occurredAt"`
}

// newEvent fills the ids and the amounts of the session's lock, if any.
func newEvent(typ string, sess *models.Session, now time.Time) SettlementEvent {
	ev := SettlementEvent{
		EventID:    uuid.NewString(),
		Type:       typ,
		OccurredAt: now.UTC(),
	}
	if sess == nil {
		return ev
	}
	ev.InvoiceID = sess.InvoiceID
	ev.UserID = sess.UserID
	ev.OrderRef = sess.OrderRef
	ev.Service = string(sess.CurrentService)
	ev.State = string(sess.Settlement)
	if lock := sess.RateLock; lock != nil {
		ksh, r := lock.KshAmount, lock.Rate
		ev.AmountSats = lock.SatsAmount
		ev.AmountKes = &ksh
		ev.Rate = &r
	}
	return ev
}

// EventPublisher records settlement events. Publish never blocks on the broker.
type EventPublisher interface {
	Publish(ev SettlementEvent)
	Close() error
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher buffers events and writes them from one goroutine, keyed by
// invoice id so a settlement's events stay in order.
type KafkaPublisher struct {
	producer MessageProducer
	topic    string
	logger   *zap.Logger
	events   chan SettlementEvent
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	timeout  time.Duration
}

func NewKafkaPublisher(producer MessageProducer, topic string, buffer int, logger *zap.Logger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		events:   make(chan SettlementEvent, buffer),
		done:     make(chan struct{}),
		timeout:  5 * time.Second,
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) Publish(ev SettlementEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("settlement event published after close",
			zap.String("type", ev.Type),
			zap.String("invoice_id", ev.InvoiceID))
		return
	}
	select {
	case p.events <- ev:
	default:
		metrics.KafkaPublishErrors.Inc()
		p.logger.Error("settlement event buffer full, dropping event",
			zap.String("type", ev.Type),
			zap.String("invoice_id", ev.InvoiceID),
			zap.String("event_id", ev.EventID))
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for ev := range p.events {
		p.write(ev)
	}
}

func (p *KafkaPublisher) write(ev SettlementEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		metrics.KafkaPublishErrors.Inc()
		p.logger.Error("failed to encode settlement event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	headers := map[string]string{"event-type": ev.Type, "event-id": ev.EventID}
	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(ev.InvoiceID), value, headers); err != nil {
		metrics.KafkaPublishErrors.Inc()
		p.logger.Error("failed to publish settlement event",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("invoice_id", ev.InvoiceID))
	}
}

// Close drains buffered events and stops the writer goroutine.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ev SettlementEvent) {
	p.logger.Info("settlement event",
		zap.String("type", ev.Type),
		zap.String("event_id", ev.EventID),
		zap.String("invoice_id", ev.InvoiceID),
		zap.Int64("user_id", ev.UserID),
		zap.String("state", ev.State),
		zap.String("reason", ev.Reason),
		zap.Bool("attribution_risk", ev.AttributionRisk))
}

func (p *LogPublisher) Close() error { return nil }
