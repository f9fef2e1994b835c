package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

type LightningStatus string

const (
	LightningPaid    LightningStatus = "paid"
	LightningExpired LightningStatus = "expired"
	LightningFailed  LightningStatus = "failed"
)

type PayoutStatus string

const (
	PayoutSuccess PayoutStatus = "success"
	PayoutFailed  PayoutStatus = "failed"
)

// LightningWebhook is the provider's invoice status callback.
type LightningWebhook struct {
	InvoiceID  string          `json:"invoiceId"`
	Status     LightningStatus `json:"status"`
	AmountSats btcutil.Amount  `json:"amountSats"`
	PaidAt     *time.Time      `json:"paidAt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// PayoutWebhook is the provider's M-Pesa payout result callback.
type PayoutWebhook struct {
	InvoiceID          string          `json:"invoiceId"`
	TransactionID      string          `json:"transactionId"`
	Status             PayoutStatus    `json:"status"`
	AmountKes          decimal.Decimal `json:"amountKes"`
	MpesaReceiptNumber string          `json:"mpesaReceiptNumber,omitempty"`
	Error              string          `json:"error,omitempty"`
}

type lightningWire struct {
	InvoiceID  *string    `json:"invoiceId"`
	Status     *string    `json:"status"`
	AmountSats *int64     `json:"amountSats"`
	PaidAt     *time.Time `json:"paidAt"`
	Error      string     `json:"error"`
}

type payoutWire struct {
	InvoiceID          *string             `json:"invoiceId"`
	TransactionID      *string             `json:"transactionId"`
	Status             *string             `json:"status"`
	AmountKes          decimal.NullDecimal `json:"amountKes"`
	MpesaReceiptNumber string              `json:"mpesaReceiptNumber"`
	Error              string              `json:"error"`
}

// ParseLightningWebhook decodes and validates a Lightning callback body.
// Anything that is not a well formed payload is rejected with ErrInvalidPayload.
func ParseLightningWebhook(body []byte) (*LightningWebhook, error) {
	var w lightningWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.InvoiceID == nil || strings.TrimSpace(*w.InvoiceID) == "" {
		return nil, fmt.Errorf("%w: invoiceId is required", ErrInvalidPayload)
	}
	if w.Status == nil {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidPayload)
	}
	status := LightningStatus(*w.Status)
	switch status {
	case LightningPaid, LightningExpired, LightningFailed:
	default:
		return nil, fmt.Errorf("%w: unknown lightning status %q", ErrInvalidPayload, *w.Status)
	}
	if w.AmountSats == nil {
		return nil, fmt.Errorf("%w: amountSats is required", ErrInvalidPayload)
	}
	if *w.AmountSats < 0 {
		return nil, fmt.Errorf("%w: amountSats must not be negative", ErrInvalidPayload)
	}
	if status == LightningPaid && *w.AmountSats == 0 {
		return nil, fmt.Errorf("%w: paid event without amount", ErrInvalidPayload)
	}

	return &LightningWebhook{
		InvoiceID:  strings.TrimSpace(*w.InvoiceID),
		Status:     status,
		AmountSats: btcutil.Amount(*w.AmountSats),
		PaidAt:     w.PaidAt,
		Error:      w.Error,
	}, nil
}

// ParsePayoutWebhook decodes and validates a payout result callback body.
func ParsePayoutWebhook(body []byte) (*PayoutWebhook, error) {
	var w payoutWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.InvoiceID == nil || strings.TrimSpace(*w.InvoiceID) == "" {
		return nil, fmt.Errorf("%w: invoiceId is required", ErrInvalidPayload)
	}
	if w.TransactionID == nil {
		return nil, fmt.Errorf("%w: transactionId is required", ErrInvalidPayload)
	}
	if w.Status == nil {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidPayload)
	}
	status := PayoutStatus(*w.Status)
	switch status {
	case PayoutSuccess:
		if strings.TrimSpace(*w.TransactionID) == "" {
			return nil, fmt.Errorf("%w: successful payout without transactionId", ErrInvalidPayload)
		}
	case PayoutFailed:
	default:
		return nil, fmt.Errorf("%w: unknown payout status %q", ErrInvalidPayload, *w.Status)
	}
	if !w.AmountKes.Valid {
		return nil, fmt.Errorf("%w: amountKes is required", ErrInvalidPayload)
	}
	if w.AmountKes.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: amountKes must not be negative", ErrInvalidPayload)
	}

	return &PayoutWebhook{
		InvoiceID:          strings.TrimSpace(*w.InvoiceID),
		TransactionID:      strings.TrimSpace(*w.TransactionID),
		Status:             status,
		AmountKes:          w.AmountKes.Decimal,
		MpesaReceiptNumber: w.MpesaReceiptNumber,
		Error:              w.Error,
	}, nil
}
