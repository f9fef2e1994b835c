package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rada-service/internal/config"
	"rada-service/internal/models"
)

const (
	LightningCallbackPath = "/api/lightning/callback"
	PayoutCallbackPath    = "/api/minmo/payout-callback"
)

// ProviderError is a non-2xx answer from the payment provider. Its message is
// for logs only.
type ProviderError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("minmo %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// MinmoClient talks to the Lightning invoice and M-Pesa payout provider.
type MinmoClient struct {
	baseURL     string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewMinmoClient(cfg *config.Config, logger *zap.Logger) *MinmoClient {
	return &MinmoClient{
		baseURL:     strings.TrimRight(cfg.Minmo.APIURL, "/"),
		apiKey:      cfg.Minmo.APIKey,
		callbackURL: strings.TrimRight(cfg.Server.PublicBaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Minmo.Timeout},
		logger:      logger.Named("minmo"),
	}
}

type invoiceRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Expiry      int64  `json:"expiry"`
	CallbackURL string `json:"callbackUrl"`
}

type invoiceResponse struct {
	Invoice   string    `json:"invoice"`
	InvoiceID string    `json:"invoiceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueInvoice requests a BOLT11 invoice for amountSats valid for expiry.
func (c *MinmoClient) IssueInvoice(ctx context.Context, amountSats btcutil.Amount, description string, expiry time.Duration) (*models.Invoice, error) {
	req := invoiceRequest{
		Amount:      int64(amountSats),
		Description: description,
		Expiry:      int64(expiry / time.Second),
		CallbackURL: c.callbackURL + LightningCallbackPath,
	}

	var resp invoiceResponse
	if err := c.do(ctx, "issue_invoice", http.MethodPost, "/lightning/invoice", req, &resp); err != nil {
		return nil, err
	}
	if resp.InvoiceID == "" || resp.Invoice == "" {
		return nil, &ProviderError{Operation: "issue_invoice", StatusCode: http.StatusOK, Message: "response missing invoice"}
	}
	if resp.ExpiresAt.IsZero() {
		resp.ExpiresAt = time.Now().Add(expiry)
	}

	return &models.Invoice{
		InvoiceID: resp.InvoiceID,
		Bolt11:    resp.Invoice,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

type payoutRequest struct {
	InvoiceID     string      `json:"invoiceId"`
	Reference     string      `json:"reference,omitempty"`
	Service       string      `json:"service"`
	Amount        json.Number `json:"amount"`
	AmountSats    int64       `json:"amountSats"`
	PhoneNumber   string      `json:"phoneNumber,omitempty"`
	PaybillNumber string      `json:"paybillNumber,omitempty"`
	AccountNumber string      `json:"accountNumber,omitempty"`
	TillNumber    string      `json:"tillNumber,omitempty"`
	QRData        string      `json:"qrData,omitempty"`
	CallbackURL   string      `json:"callbackUrl"`
}

type payoutResponse struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// ExecutePayout asks the provider to disburse an M-Pesa payment.
func (c *MinmoClient) ExecutePayout(ctx context.Context, instr models.PayoutInstruction) (*models.PayoutReceipt, error) {
	req := payoutRequest{
		InvoiceID:     instr.InvoiceID,
		Reference:     instr.Reference,
		Service:       string(instr.Service),
		Amount:        json.Number(instr.AmountKes.String()),
		AmountSats:    int64(instr.AmountSats),
		PhoneNumber:   instr.PhoneNumber,
		PaybillNumber: instr.PaybillNumber,
		AccountNumber: instr.AccountNumber,
		TillNumber:    instr.TillNumber,
		QRData:        instr.QRData,
		CallbackURL:   c.callbackURL + PayoutCallbackPath,
	}

	var resp payoutResponse
	if err := c.do(ctx, "execute_payout", http.MethodPost, "/payouts/mpesa", req, &resp); err != nil {
		return nil, err
	}
	return &models.PayoutReceipt{TransactionID: resp.TransactionID, Message: resp.Message}, nil
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

// GetExchangeRate returns KES per BTC.
func (c *MinmoClient) GetExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	var resp rateResponse
	if err := c.do(ctx, "exchange_rate", http.MethodGet, "/exchange/rate/KES/BTC", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Rate, nil
}

func (c *MinmoClient) do(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("minmo %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("minmo %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Minmo API request failed", zap.String("operation", op), zap.Error(err))
		return fmt.Errorf("minmo %s: %w", op, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("minmo %s: read response: %w", op, err)
	}

	c.logger.Debug("Minmo API response",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Operation: op, StatusCode: resp.StatusCode, Message: errorMessage(responseBody)}
		c.logger.Error("Minmo API error", zap.String("operation", op), zap.Int("status", resp.StatusCode), zap.String("message", perr.Message))
		return perr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("minmo %s: failed to parse response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// IsProviderError reports whether err came back from the provider rather than transport.
func IsProviderError(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr)
}
