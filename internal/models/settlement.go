package models

import (
	"errors"
	"time"
)

// SettlementState tracks an issued invoice through to payout.
type SettlementState string

const (
	SettlementNone               SettlementState = ""
	SettlementInvoiceIssued      SettlementState = "invoice_issued"
	SettlementLightningConfirmed SettlementState = "lightning_confirmed"
	SettlementPayoutRequested    SettlementState = "payout_requested"
	SettlementPayoutConfirmed    SettlementState = "payout_confirmed"
	SettlementPayoutFailed       SettlementState = "payout_failed"
	SettlementLightningExpired   SettlementState = "lightning_expired"
	SettlementLightningFailed    SettlementState = "lightning_failed"
)

// InFlight reports whether funds may be moving for this state.
func (s SettlementState) InFlight() bool {
	switch s {
	case SettlementInvoiceIssued, SettlementLightningConfirmed, SettlementPayoutRequested:
		return true
	}
	return false
}

func (s SettlementState) Terminal() bool {
	switch s {
	case SettlementPayoutConfirmed, SettlementPayoutFailed, SettlementLightningExpired, SettlementLightningFailed:
		return true
	}
	return false
}

// OutcomeKind is the variant tag of a SettlementOutcome.
type OutcomeKind string

const (
	OutcomePaidAwaitingPayout OutcomeKind = "paid_awaiting_payout"
	OutcomePayoutSucceeded    OutcomeKind = "payout_succeeded"
	OutcomePayoutFailed       OutcomeKind = "payout_failed"
	OutcomeLightningExpired   OutcomeKind = "lightning_expired"
	OutcomeLightningFailed    OutcomeKind = "lightning_failed"
)

// Reasons carried by OutcomePayoutFailed.
const (
	ReasonRateLockExpired  = "rate_lock_expired"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonPayoutRejected   = "payout_rejected"
	ReasonProviderReported = "provider_reported_failure"
)

var ErrOutcomeFinal = errors.New("settlement outcome already final")

// SettlementOutcome records what a webhook did to the session.
type SettlementOutcome struct {
	Kind          OutcomeKind `json:"kind"`
	TransactionID string      `json:"transaction_id,omitempty"`
	MpesaReceipt  string      `json:"mpesa_receipt,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	At            time.Time   `json:"at"`
}

// Final is true for every kind except PaidAwaitingPayout.
func (o *SettlementOutcome) Final() bool {
	return o != nil && o.Kind != OutcomePaidAwaitingPayout
}

func (o *SettlementOutcome) Clone() *SettlementOutcome {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
