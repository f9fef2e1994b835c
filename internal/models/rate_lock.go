package models

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// RateLock freezes a KES per BTC quote for one invoice. It is never mutated
// after creation.
type RateLock struct {
	InvoiceID  string          `json:"invoice_id"`
	Rate       decimal.Decimal `json:"rate"`
	SatsAmount btcutil.Amount  `json:"sats_amount"`
	KshAmount  decimal.Decimal `json:"ksh_amount"`
	LockedAt   time.Time       `json:"locked_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// ValidAt reports now <= ExpiresAt.
func (l *RateLock) ValidAt(now time.Time) bool {
	return !now.After(l.ExpiresAt)
}

func (l *RateLock) Clone() *RateLock {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
