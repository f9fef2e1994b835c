package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPaymentRequestFieldOrder(t *testing.T) {
	r := NewPaymentRequest(ServicePaybill)

	if f, _ := r.NextField(); f != FieldPaybillNumber {
		t.Fatalf("expected paybill number first, got %s", f)
	}
	r.SetField(FieldPaybillNumber, "123456")
	if f, _ := r.NextField(); f != FieldAccountNumber {
		t.Fatalf("expected account number second, got %s", f)
	}
	r.SetField(FieldAccountNumber, "ACC001")
	if f, _ := r.NextField(); f != FieldAmount {
		t.Fatalf("expected amount last, got %s", f)
	}
	if r.Complete() {
		t.Fatal("request without amount must not be complete")
	}
	r.SetAmount(decimal.NewFromInt(500))
	if !r.Complete() {
		t.Fatal("expected complete request")
	}
}

func TestPaymentRequestRejectsForeignField(t *testing.T) {
	r := NewPaymentRequest(ServiceAirtime)
	if r.SetField(FieldTillNumber, "12345") {
		t.Fatal("airtime must not accept a till number")
	}
	if r.TillNumber != "" {
		t.Fatal("till number leaked into airtime request")
	}
}

func TestSessionAttachInvoiceKeepsInvoiceAndLockTogether(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession(42, now)

	if err := s.AttachInvoice("inv-1", "lnbc1", now, "ref", nil); err != ErrInvoiceMismatch {
		t.Fatalf("expected ErrInvoiceMismatch, got %v", err)
	}
	if s.HasInvoice() || s.InvoiceID != "" {
		t.Fatal("failed attach must not leave partial invoice data")
	}

	lock := &RateLock{InvoiceID: "inv-1", ExpiresAt: now.Add(time.Minute)}
	if err := s.AttachInvoice("inv-1", "lnbc1", now, "ref", lock); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !s.HasInvoice() || s.Settlement != SettlementInvoiceIssued || s.State != StateAwaitingSettlement {
		t.Fatalf("unexpected session after attach: %+v", s)
	}

	s.Reset()
	if s.HasInvoice() || s.RateLock != nil || s.LightningInvoice != "" {
		t.Fatal("reset must clear invoice and lock together")
	}
}

func TestSessionFinalOutcomeIsImmutable(t *testing.T) {
	s := NewSession(1, time.Now())
	if err := s.RecordOutcome(SettlementOutcome{Kind: OutcomePaidAwaitingPayout}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordOutcome(SettlementOutcome{Kind: OutcomePayoutSucceeded, TransactionID: "tx"}); err != nil {
		t.Fatalf("record final: %v", err)
	}
	if err := s.RecordOutcome(SettlementOutcome{Kind: OutcomePayoutFailed}); err != ErrOutcomeFinal {
		t.Fatalf("expected ErrOutcomeFinal, got %v", err)
	}
	if s.Outcome.TransactionID != "tx" {
		t.Fatal("final outcome was overwritten")
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := NewSession(1, time.Now())
	s.PaymentRequest = NewPaymentRequest(ServiceAirtime)
	s.PaymentRequest.SetAmount(decimal.NewFromInt(10))

	c := s.Clone()
	c.PaymentRequest.PhoneNumber = "254700000000"
	c.PaymentRequest.SetAmount(decimal.NewFromInt(99))

	if s.PaymentRequest.PhoneNumber != "" || !s.PaymentRequest.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatal("clone shares payment request with original")
	}
}
