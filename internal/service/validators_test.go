package service

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"rada-service/internal/models"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "0112345678", want: "254112345678"},
		{in: "254712345678", want: "254712345678"},
		{in: "+254 712 345 678", want: "254712345678"},
		{in: "0712-345-678", want: "254712345678"},
		{in: "712345678", want: "254712345678"},
		{in: "0812345678", wantErr: true},
		{in: "07123456", wantErr: true},
		{in: "+255712345678", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != models.FieldPhoneNumber {
					t.Fatalf("NormalizePhone(%q) err = %v, want ValidationError", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("NormalizePhone(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	limits := Limits{Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(150000)}
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1000", want: "1000"},
		{in: "1,000", want: "1000"},
		{in: "KES 1,000.50", want: "1000.5"},
		{in: "ksh 10", want: "10"},
		{in: "150000", want: "150000"},
		{in: "9.99", wantErr: true},
		{in: "150000.01", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-50", wantErr: true},
		{in: "12.345", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in, limits)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q) = %s, want error", tt.in, got)
				}
				return
			}
			if err != nil || !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("ParseAmount(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestValidateField(t *testing.T) {
	tests := []struct {
		field   models.Field
		in      string
		wantErr bool
	}{
		{models.FieldPaybillNumber, "12345", false},
		{models.FieldPaybillNumber, "1234567", false},
		{models.FieldPaybillNumber, "1234", true},
		{models.FieldPaybillNumber, "12345678", true},
		{models.FieldTillNumber, "98765a", true},
		{models.FieldAccountNumber, "ACC001", false},
		{models.FieldAccountNumber, "123456789012345678901", true},
		{models.FieldAccountNumber, "   ", true},
		{models.FieldQRData, "00020101021129", false},
		{models.FieldQRData, "<script>", true},
	}
	for _, tt := range tests {
		_, err := validateField(tt.field, tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateField(%s, %q) err = %v, wantErr %v", tt.field, tt.in, err, tt.wantErr)
		}
	}
}

func TestFormatKES(t *testing.T) {
	tests := map[string]string{
		"10":        "KES 10",
		"1000":      "KES 1,000",
		"150000":    "KES 150,000",
		"1234567.5": "KES 1,234,567.50",
		"999.99":    "KES 999.99",
	}
	for in, want := range tests {
		if got := formatKES(decimal.RequireFromString(in)); got != want {
			t.Errorf("formatKES(%s) = %q, want %q", in, got, want)
		}
	}
	if got := formatSats(1234567); got != "1,234,567 sats" {
		t.Errorf("formatSats = %q", got)
	}
}
