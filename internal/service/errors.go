package service

import (
	"errors"
	"fmt"

	"rada-service/internal/models"
)

var (
	ErrInvoiceIssuanceFailed = errors.New("invoice issuance failed")
	ErrPayoutExecutionFailed = errors.New("payout execution failed")

	errStaleSession = errors.New("session changed underneath")
)

// ValidationError is a recoverable problem with user input for one field.
type ValidationError struct {
	Field   models.Field
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(f models.Field, msg string) *ValidationError {
	return &ValidationError{Field: f, Message: msg}
}
