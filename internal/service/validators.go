package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"rada-service/internal/models"
	"rada-service/internal/util"
)

var (
	kenyanPhoneRe = regexp.MustCompile(`^(\+254|254|0)?([17]\d{8})$`)
	shortCodeRe   = regexp.MustCompile(`^\d{5,7}$`)
)

const (
	maxAccountLength = 20
	maxQRLength      = 512
)

// Limits bounds the KES amount of a single payment.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// NormalizePhone accepts 07XXXXXXXX, 01XXXXXXXX, 2547XXXXXXXX or +2547XXXXXXXX
// and returns 254XXXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	m := kenyanPhoneRe.FindStringSubmatch(util.StripSpaces(raw))
	if m == nil {
		return "", invalid(models.FieldPhoneNumber, "Please enter a valid Kenyan phone number (e.g., 0712345678)")
	}
	return "254" + m[2], nil
}

// ParseAmount parses a KES amount such as "1000", "1,000" or "KES 1,000.50".
func ParseAmount(raw string, limits Limits) (decimal.Decimal, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, prefix := range []string{"KSHS", "KSH", "KES"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.ReplaceAll(util.StripSpaces(s), ",", "")

	amount, err := decimal.NewFromString(s)
	if err != nil || s == "" {
		return decimal.Zero, invalid(models.FieldAmount, "Please enter the amount as a number, e.g. 1000")
	}
	if !amount.IsPositive() {
		return decimal.Zero, invalid(models.FieldAmount, "Amount must be greater than zero")
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return decimal.Zero, invalid(models.FieldAmount, "Amount can have at most two decimal places")
	}
	if amount.LessThan(limits.Min) {
		return decimal.Zero, invalid(models.FieldAmount, "Minimum amount is "+formatKES(limits.Min))
	}
	if amount.GreaterThan(limits.Max) {
		return decimal.Zero, invalid(models.FieldAmount, "Maximum amount is "+formatKES(limits.Max))
	}
	return amount, nil
}

// validateField checks raw input for a destination field and returns the
// value to store.
func validateField(f models.Field, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if util.ContainsSuspicious(value) {
		return "", invalid(f, "Input contains characters that are not allowed")
	}

	switch f {
	case models.FieldPhoneNumber:
		return NormalizePhone(value)
	case models.FieldPaybillNumber:
		if !shortCodeRe.MatchString(value) {
			return "", invalid(f, "Please enter a valid paybill number (5-7 digits)")
		}
		return value, nil
	case models.FieldTillNumber:
		if !shortCodeRe.MatchString(value) {
			return "", invalid(f, "Please enter a valid till number (5-7 digits)")
		}
		return value, nil
	case models.FieldAccountNumber:
		n := utf8.RuneCountInString(value)
		if n == 0 {
			return "", invalid(f, "Account number cannot be empty")
		}
		if n > maxAccountLength {
			return "", invalid(f, "Account number is too long")
		}
		return value, nil
	case models.FieldQRData:
		if value == "" {
			return "", invalid(f, "QR data cannot be empty")
		}
		if len(value) > maxQRLength {
			return "", invalid(f, "QR data is too long")
		}
		return value, nil
	}
	return "", invalid(f, "Unexpected input")
}
