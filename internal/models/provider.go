package models

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// Invoice is a Lightning invoice issued by the payment provider.
type Invoice struct {
	InvoiceID string
	Bolt11    string
	ExpiresAt time.Time
}

// PayoutInstruction is one M-Pesa disbursement for a paid invoice.
type PayoutInstruction struct {
	InvoiceID     string
	Reference     string
	Service       ServiceType
	AmountKes     decimal.Decimal
	AmountSats    btcutil.Amount
	PhoneNumber   string
	PaybillNumber string
	AccountNumber string
	TillNumber    string
	QRData        string
}

// NewPayoutInstruction copies the destination out of req and the amounts out
// of the frozen lock.
func NewPayoutInstruction(req *PaymentRequest, lock *RateLock, reference string) PayoutInstruction {
	return PayoutInstruction{
		InvoiceID:     lock.InvoiceID,
		Reference:     reference,
		Service:       req.Service,
		AmountKes:     lock.KshAmount,
		AmountSats:    lock.SatsAmount,
		PhoneNumber:   req.PhoneNumber,
		PaybillNumber: req.PaybillNumber,
		AccountNumber: req.AccountNumber,
		TillNumber:    req.TillNumber,
		QRData:        req.QRData,
	}
}

// PayoutReceipt is the provider's synchronous acknowledgement of a payout.
type PayoutReceipt struct {
	TransactionID string
	Message       string
}
