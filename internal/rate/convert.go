package rate

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

var (
	ErrRateUnavailable  = errors.New("exchange rate unavailable")
	ErrRateLockNotFound = errors.New("rate lock not found")
	ErrRateLockExpired  = errors.New("rate lock expired")
	ErrRateLockExists   = errors.New("rate lock already exists for invoice")
	ErrInvalidAmount    = errors.New("amount must be positive")
)

var satsPerBitcoin = decimal.NewFromInt(btcutil.SatoshiPerBitcoin)

// KshToSats converts a KES amount at rate (KES per BTC) to whole satoshis,
// rounding half away from zero.
func KshToSats(ksh, rate decimal.Decimal) (btcutil.Amount, error) {
	if !rate.IsPositive() {
		return 0, ErrRateUnavailable
	}
	if !ksh.IsPositive() {
		return 0, ErrInvalidAmount
	}
	sats := ksh.Mul(satsPerBitcoin).Div(rate).Round(0)
	return btcutil.Amount(sats.IntPart()), nil
}

// SatsToKsh converts satoshis back to KES at rate, rounded to cents.
func SatsToKsh(sats btcutil.Amount, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrRateUnavailable
	}
	if sats < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return decimal.NewFromInt(int64(sats)).Mul(rate).Div(satsPerBitcoin).Round(2), nil
}

// SatsPerKes is the display figure "1 KES = n sats".
func SatsPerKes(rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return satsPerBitcoin.Div(rate).Round(2)
}
