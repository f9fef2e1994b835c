package models

import "github.com/shopspring/decimal"

// PaymentRequest is the destination and amount collected for one payment.
// Only the fields listed by Service.Fields() are ever populated.
type PaymentRequest struct {
	Service       ServiceType      `json:"service"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	PhoneNumber   string           `json:"phone_number,omitempty"`
	PaybillNumber string           `json:"paybill_number,omitempty"`
	AccountNumber string           `json:"account_number,omitempty"`
	TillNumber    string           `json:"till_number,omitempty"`
	QRData        string           `json:"qr_data,omitempty"`
}

func NewPaymentRequest(service ServiceType) *PaymentRequest {
	return &PaymentRequest{Service: service}
}

// Has reports whether f has been collected.
func (r *PaymentRequest) Has(f Field) bool {
	if f == FieldAmount {
		return r.Amount != nil
	}
	v, _ := r.Value(f)
	return v != ""
}

// Value returns the collected text value of a destination field.
func (r *PaymentRequest) Value(f Field) (string, bool) {
	switch f {
	case FieldPhoneNumber:
		return r.PhoneNumber, true
	case FieldPaybillNumber:
		return r.PaybillNumber, true
	case FieldAccountNumber:
		return r.AccountNumber, true
	case FieldTillNumber:
		return r.TillNumber, true
	case FieldQRData:
		return r.QRData, true
	case FieldAmount:
		if r.Amount == nil {
			return "", true
		}
		return r.Amount.String(), true
	}
	return "", false
}

// SetField stores an already validated destination value. It returns false
// when f is not a destination field of the request's service.
func (r *PaymentRequest) SetField(f Field, value string) bool {
	if !r.requires(f) {
		return false
	}
	switch f {
	case FieldPhoneNumber:
		r.PhoneNumber = value
	case FieldPaybillNumber:
		r.PaybillNumber = value
	case FieldAccountNumber:
		r.AccountNumber = value
	case FieldTillNumber:
		r.TillNumber = value
	case FieldQRData:
		r.QRData = value
	default:
		return false
	}
	return true
}

func (r *PaymentRequest) SetAmount(amount decimal.Decimal) {
	r.Amount = &amount
}

// NextField returns the first field of the service's order not yet collected.
func (r *PaymentRequest) NextField() (Field, bool) {
	for _, f := range r.Service.Fields() {
		if !r.Has(f) {
			return f, true
		}
	}
	return "", false
}

func (r *PaymentRequest) Complete() bool {
	if !r.Service.Valid() {
		return false
	}
	_, missing := r.NextField()
	return !missing
}

// Recipient is the human readable destination shown in confirmations.
func (r *PaymentRequest) Recipient() string {
	switch r.Service {
	case ServicePaybill:
		return r.PaybillNumber + " / " + r.AccountNumber
	case ServiceGoods:
		return "till " + r.TillNumber
	case ServiceQRScan:
		return "QR merchant"
	default:
		return r.PhoneNumber
	}
}

func (r *PaymentRequest) Clone() *PaymentRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Amount != nil {
		a := *r.Amount
		c.Amount = &a
	}
	return &c
}

func (r *PaymentRequest) requires(f Field) bool {
	for _, sf := range r.Service.Fields() {
		if sf == f {
			return true
		}
	}
	return false
}
