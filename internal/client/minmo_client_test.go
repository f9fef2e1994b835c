package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rada-service/internal/config"
	"rada-service/internal/models"
)

func newTestMinmo(t *testing.T, h http.HandlerFunc) *MinmoClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Minmo.APIURL = srv.URL
	cfg.Minmo.APIKey = "test-key"
	cfg.Server.PublicBaseURL = "https://rada.example/"
	return NewMinmoClient(cfg, zap.NewNop())
}

func TestMinmoIssueInvoice(t *testing.T) {
	c := newTestMinmo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/lightning/invoice" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req invoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Amount != 2299 || req.Expiry != 120 || req.CallbackURL != "https://rada.example/api/lightning/callback" {
			t.Errorf("unexpected invoice request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"invoice":   "lnbc22990n1...",
			"invoiceId": "inv-1",
			"expiresAt": "2026-01-01T00:02:00Z",
		})
	})

	inv, err := c.IssueInvoice(context.Background(), 2299, "Rada airtime", 120*time.Second)
	if err != nil {
		t.Fatalf("issue invoice: %v", err)
	}
	if inv.InvoiceID != "inv-1" || inv.Bolt11 == "" || inv.ExpiresAt.IsZero() {
		t.Fatalf("unexpected invoice %+v", inv)
	}
}

func TestMinmoExecutePayout(t *testing.T) {
	c := newTestMinmo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payouts/mpesa" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["amount"] != float64(1000) || body["phoneNumber"] != "254712345678" || body["invoiceId"] != "inv-1" {
			t.Errorf("unexpected payout body %v", body)
		}
		if _, ok := body["tillNumber"]; ok {
			t.Errorf("empty destination fields must be omitted")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"transactionId": "tx-1"})
	})

	receipt, err := c.ExecutePayout(context.Background(), models.PayoutInstruction{
		InvoiceID:   "inv-1",
		Service:     models.ServiceAirtime,
		AmountKes:   decimal.NewFromInt(1000),
		AmountSats:  2299,
		PhoneNumber: "254712345678",
	})
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if receipt.TransactionID != "tx-1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestMinmoProviderError(t *testing.T) {
	c := newTestMinmo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"insufficient float"}`))
	})

	_, err := c.ExecutePayout(context.Background(), models.PayoutInstruction{InvoiceID: "inv-1"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.StatusCode != http.StatusUnprocessableEntity || perr.Message != "insufficient float" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
	if !IsProviderError(err) {
		t.Fatal("IsProviderError must match")
	}
}

func TestMinmoGetExchangeRate(t *testing.T) {
	c := newTestMinmo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/exchange/rate/KES/BTC" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"rate":43500000.5}`))
	})

	rate, err := c.GetExchangeRate(context.Background())
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("43500000.5")) {
		t.Fatalf("unexpected rate %s", rate)
	}
}
