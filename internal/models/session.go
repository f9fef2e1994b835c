package models

import (
	"errors"
	"time"
)

// ConversationState is the data-collection step a session is in.
type ConversationState string

const (
	StateIdle               ConversationState = "idle"
	StateServiceSelected    ConversationState = "service_selected"
	StateCollectingField    ConversationState = "collecting_field"
	StateAmountPending      ConversationState = "amount_pending"
	StateConfirming         ConversationState = "confirming"
	StateAwaitingSettlement ConversationState = "awaiting_settlement"
)

var ErrInvoiceMismatch = errors.New("invoice and rate lock must be attached together")

// Session is the per-user conversation and settlement record. Invoice fields
// and RateLock are attached and cleared together.
type Session struct {
	UserID              int64              `json:"user_id"`
	CurrentService      ServiceType        `json:"current_service,omitempty"`
	State               ConversationState  `json:"state"`
	PaymentRequest      *PaymentRequest    `json:"payment_request,omitempty"`
	InvoiceID           string             `json:"invoice_id,omitempty"`
	LightningInvoice    string             `json:"lightning_invoice,omitempty"`
	InvoiceExpiresAt    time.Time          `json:"invoice_expires_at,omitempty"`
	OrderRef            string             `json:"order_ref,omitempty"`
	RateLock            *RateLock          `json:"rate_lock,omitempty"`
	Settlement          SettlementState    `json:"settlement_state,omitempty"`
	Outcome             *SettlementOutcome `json:"settlement_outcome,omitempty"`
	PayoutTransactionID string             `json:"payout_transaction_id,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func NewSession(userID int64, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AttachInvoice moves the session into settlement with the invoice and its lock.
func (s *Session) AttachInvoice(invoiceID, invoice string, expiresAt time.Time, orderRef string, lock *RateLock) error {
	if invoiceID == "" || invoice == "" || lock == nil || lock.InvoiceID != invoiceID {
		return ErrInvoiceMismatch
	}
	s.InvoiceID = invoiceID
	s.LightningInvoice = invoice
	s.InvoiceExpiresAt = expiresAt
	s.OrderRef = orderRef
	s.RateLock = lock.Clone()
	s.State = StateAwaitingSettlement
	s.Settlement = SettlementInvoiceIssued
	s.Outcome = nil
	return nil
}

// HasInvoice reports whether an invoice is attached.
func (s *Session) HasInvoice() bool {
	return s.LightningInvoice != "" && s.RateLock != nil
}

// Reset returns the session to Idle, dropping request and invoice data.
func (s *Session) Reset() {
	s.CurrentService = ""
	s.State = StateIdle
	s.PaymentRequest = nil
	s.InvoiceID = ""
	s.LightningInvoice = ""
	s.InvoiceExpiresAt = time.Time{}
	s.OrderRef = ""
	s.RateLock = nil
	s.Settlement = SettlementNone
	s.Outcome = nil
	s.PayoutTransactionID = ""
}

// RecordOutcome sets the outcome unless a final one is already recorded.
func (s *Session) RecordOutcome(o SettlementOutcome) error {
	if s.Outcome.Final() {
		return ErrOutcomeFinal
	}
	s.Outcome = &o
	return nil
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.PaymentRequest = s.PaymentRequest.Clone()
	c.RateLock = s.RateLock.Clone()
	c.Outcome = s.Outcome.Clone()
	return &c
}
