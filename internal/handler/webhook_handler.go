package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/hashing"
	"rada-service/internal/metrics"
	"rada-service/internal/models"
	"rada-service/internal/service"
	"rada-service/internal/util"
)

const maxWebhookBody = 1 << 20

// Settlement is the part of the settlement pipeline the provider webhooks drive.
type Settlement interface {
	HandleLightningEvent(ctx context.Context, ev *models.LightningWebhook) (service.Ack, error)
	HandlePayoutEvent(ctx context.Context, ev *models.PayoutWebhook) (service.Ack, error)
}

// SignatureChecker verifies a provider signature over a raw body.
type SignatureChecker interface {
	Verify(body []byte, signature string) error
}

// WebhookHandler receives Lightning and payout callbacks from the payment
// provider. Every delivery is authenticated before it is parsed.
type WebhookHandler struct {
	settlement Settlement
	verifier   SignatureChecker
	logger     *zap.Logger
}

func NewWebhookHandler(settlement Settlement, verifier SignatureChecker, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		settlement: settlement,
		verifier:   verifier,
		logger:     logger.Named("webhook"),
	}
}

// LightningCallback handles invoice status updates.
func (h *WebhookHandler) LightningCallback(w http.ResponseWriter, r *http.Request) {
	const kind = "lightning"

	body, ok := h.authenticate(w, r, kind)
	if !ok {
		return
	}
	ev, err := models.ParseLightningWebhook(body)
	if err != nil {
		h.reject(w, kind, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	start := time.Now()
	ack, err := h.settlement.HandleLightningEvent(r.Context(), ev)
	h.finish(w, kind, ev.InvoiceID, ack, err, start)
}

// PayoutCallback handles M-Pesa payout results.
func (h *WebhookHandler) PayoutCallback(w http.ResponseWriter, r *http.Request) {
	const kind = "payout"

	body, ok := h.authenticate(w, r, kind)
	if !ok {
		return
	}
	ev, err := models.ParsePayoutWebhook(body)
	if err != nil {
		h.reject(w, kind, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	start := time.Now()
	ack, err := h.settlement.HandlePayoutEvent(r.Context(), ev)
	h.finish(w, kind, ev.InvoiceID, ack, err, start)
}

func (h *WebhookHandler) authenticate(w http.ResponseWriter, r *http.Request, kind string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, kind, http.StatusRequestEntityTooLarge, "payload_too_large", err)
		} else {
			h.reject(w, kind, http.StatusBadRequest, "unreadable_body", err)
		}
		return nil, false
	}
	if err := h.verifier.Verify(body, r.Header.Get(hashing.SignatureHeader)); err != nil {
		h.reject(w, kind, http.StatusUnauthorized, "signature_invalid", err)
		return nil, false
	}
	return body, true
}

func (h *WebhookHandler) finish(w http.ResponseWriter, kind, invoiceID string, ack service.Ack, err error, start time.Time) {
	if err != nil {
		metrics.WebhookRequests.WithLabelValues(kind, "error").Inc()
		h.logger.Error("Webhook processing failed",
			util.String("kind", kind),
			util.InvoiceID(invoiceID),
			util.ErrorField(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("processing_failed", "Webhook could not be processed, retry later"))
		return
	}

	metrics.WebhookRequests.WithLabelValues(kind, string(ack.Action)).Inc()
	h.logger.Info("Webhook acknowledged",
		util.String("kind", kind),
		util.InvoiceID(invoiceID),
		util.String("action", string(ack.Action)),
		util.Duration("duration", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, successResponse(ack, ""))
}

func (h *WebhookHandler) reject(w http.ResponseWriter, kind string, status int, code string, err error) {
	metrics.WebhookRequests.WithLabelValues(kind, code).Inc()
	h.logger.Warn("Webhook rejected",
		util.String("kind", kind),
		util.Int("status_code", status),
		util.String("reason", code),
		util.ErrorField(err),
	)
	writeJSON(w, status, errorResponse(code, http.StatusText(status)))
}
