package models

import (
	"errors"
	"testing"
)

func TestParseLightningWebhook(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		status  LightningStatus
		sats    int64
	}{
		{name: "paid", body: `{"invoiceId":"inv-1","status":"paid","amountSats":2299,"paidAt":"2026-01-02T15:04:05Z"}`, status: LightningPaid, sats: 2299},
		{name: "expired without amount", body: `{"invoiceId":"inv-1","status":"expired","amountSats":0}`, status: LightningExpired},
		{name: "failed with error text", body: `{"invoiceId":"inv-1","status":"failed","amountSats":0,"error":"route not found"}`, status: LightningFailed},
		{name: "unknown fields tolerated", body: `{"invoiceId":"inv-1","status":"paid","amountSats":5,"extra":true}`, status: LightningPaid, sats: 5},
		{name: "missing invoice", body: `{"status":"paid","amountSats":10}`, wantErr: true},
		{name: "blank invoice", body: `{"invoiceId":"  ","status":"paid","amountSats":10}`, wantErr: true},
		{name: "unknown status", body: `{"invoiceId":"inv-1","status":"settled","amountSats":10}`, wantErr: true},
		{name: "missing amount", body: `{"invoiceId":"inv-1","status":"paid"}`, wantErr: true},
		{name: "paid zero amount", body: `{"invoiceId":"inv-1","status":"paid","amountSats":0}`, wantErr: true},
		{name: "negative amount", body: `{"invoiceId":"inv-1","status":"expired","amountSats":-1}`, wantErr: true},
		{name: "amount as string", body: `{"invoiceId":"inv-1","status":"paid","amountSats":"10"}`, wantErr: true},
		{name: "not json", body: `invoiceId=inv-1`, wantErr: true},
		{name: "null", body: `null`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLightningWebhook([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.InvoiceID != "inv-1" || got.Status != tt.status || int64(got.AmountSats) != tt.sats {
				t.Fatalf("unexpected payload: %+v", got)
			}
		})
	}
}

func TestParsePayoutWebhook(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "success", body: `{"invoiceId":"inv-1","transactionId":"tx-9","status":"success","amountKes":1000,"mpesaReceiptNumber":"QWE123"}`},
		{name: "success string amount", body: `{"invoiceId":"inv-1","transactionId":"tx-9","status":"success","amountKes":"1000.50"}`},
		{name: "failed empty transaction", body: `{"invoiceId":"inv-1","transactionId":"","status":"failed","amountKes":1000}`},
		{name: "success empty transaction", body: `{"invoiceId":"inv-1","transactionId":"","status":"success","amountKes":1000}`, wantErr: true},
		{name: "missing transaction", body: `{"invoiceId":"inv-1","status":"failed","amountKes":1000}`, wantErr: true},
		{name: "missing amount", body: `{"invoiceId":"inv-1","transactionId":"tx","status":"success"}`, wantErr: true},
		{name: "negative amount", body: `{"invoiceId":"inv-1","transactionId":"tx","status":"success","amountKes":-3}`, wantErr: true},
		{name: "bad status", body: `{"invoiceId":"inv-1","transactionId":"tx","status":"pending","amountKes":3}`, wantErr: true},
		{name: "array", body: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayoutWebhook([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.InvoiceID != "inv-1" {
				t.Fatalf("unexpected invoice id %q", got.InvoiceID)
			}
		})
	}
}
