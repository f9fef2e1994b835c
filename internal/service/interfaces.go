package service

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"rada-service/internal/models"
	"rada-service/internal/rate"
)

// InvoiceIssuer creates Lightning invoices at the payment provider.
type InvoiceIssuer interface {
	IssueInvoice(ctx context.Context, amountSats btcutil.Amount, description string, expiry time.Duration) (*models.Invoice, error)
}

// PayoutExecutor triggers M-Pesa disbursements at the payment provider.
type PayoutExecutor interface {
	ExecutePayout(ctx context.Context, instr models.PayoutInstruction) (*models.PayoutReceipt, error)
}

// Messenger delivers chat replies. Private chat ids equal user ids.
type Messenger interface {
	Deliver(ctx context.Context, chatID int64, r models.Reply) error
}

// QuoteProvider is the read side of the rate oracle.
type QuoteProvider interface {
	Current() (rate.Quote, error)
	Display() (rate.Quote, error)
}

// RateLocker is the subset of rate.LockManager the services use.
type RateLocker interface {
	LockAtQuote(ksh decimal.Decimal, q rate.Quote, invoiceID string, ttl time.Duration) (*models.RateLock, error)
	Consume(invoiceID string) (*models.RateLock, error)
	Release(invoiceID string)
}
