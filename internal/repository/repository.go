package repository

import (
	"context"
	"errors"

	"rada-service/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvoiceNotIndexed = errors.New("invoice not indexed")
)

// SessionStore persists one Session per user with a fixed idle expiry
// measured from the last write.
type SessionStore interface {
	Get(ctx context.Context, userID int64) (*models.Session, error)
	Set(ctx context.Context, session *models.Session) error
	// Patch applies fn to the stored session atomically. If fn returns an
	// error nothing is written and the error is returned.
	Patch(ctx context.Context, userID int64, fn func(*models.Session) error) (*models.Session, error)
	Delete(ctx context.Context, userID int64) error
	// SweepExpired removes sessions past their idle expiry and returns them
	// so callers can release what they reference.
	SweepExpired(ctx context.Context) ([]*models.Session, error)
}

// CorrelationIndex joins provider invoice ids to the owning user.
type CorrelationIndex interface {
	Put(ctx context.Context, invoiceID string, userID int64) error
	Lookup(ctx context.Context, invoiceID string) (int64, error)
	Remove(ctx context.Context, invoiceID string) error
}

// RateLimiter counts chat updates per user.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}
