package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"rada-service/internal/rate"
)

// QuoteSource supplies the quote shown to users.
type QuoteSource interface {
	Display() (rate.Quote, error)
}

type RateHandler struct {
	quotes QuoteSource
}

func NewRateHandler(quotes QuoteSource) *RateHandler {
	return &RateHandler{quotes: quotes}
}

type exchangeRateResponse struct {
	Rate       decimal.Decimal `json:"rate"`
	SatsPerKes decimal.Decimal `json:"satsPerKes"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
	Stale      bool            `json:"stale"`
	Fallback   bool            `json:"fallback"`
}

// GetExchangeRate returns the current KES/BTC display quote.
func (h *RateHandler) GetExchangeRate(w http.ResponseWriter, r *http.Request) {
	q, err := h.quotes.Display()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("rate_unavailable", "Exchange rate is temporarily unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, toRateResponse(q))
}

func (h *RateHandler) freshness() map[string]interface{} {
	q, err := h.quotes.Display()
	if err != nil {
		return map[string]interface{}{"available": false}
	}
	out := map[string]interface{}{
		"available": true,
		"stale":     q.Stale,
		"fallback":  q.Fallback,
	}
	if !q.UpdatedAt.IsZero() {
		out["ageSeconds"] = int(time.Since(q.UpdatedAt).Seconds())
	}
	return out
}

func toRateResponse(q rate.Quote) exchangeRateResponse {
	resp := exchangeRateResponse{
		Rate:       q.Rate,
		SatsPerKes: q.SatsPerKes(),
		Stale:      q.Stale,
		Fallback:   q.Fallback,
	}
	if !q.UpdatedAt.IsZero() {
		at := q.UpdatedAt.UTC()
		resp.UpdatedAt = &at
	}
	return resp
}
