package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/client"
	"rada-service/internal/repository"
	"rada-service/internal/util"
)

const invoicePrefix = "invoice:"

// InvoiceIndex stores invoice:<invoice_id> -> user id with a TTL.
type InvoiceIndex struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewInvoiceIndex(c *client.RedisClient, ttl time.Duration) *InvoiceIndex {
	return &InvoiceIndex{client: c, ttl: ttl}
}

func (i *InvoiceIndex) Put(ctx context.Context, invoiceID string, userID int64) error {
	if err := i.client.Set(ctx, invoicePrefix+invoiceID, strconv.FormatInt(userID, 10), i.ttl); err != nil {
		util.Error("Failed to index invoice", util.InvoiceID(invoiceID), util.UserID(userID), zap.Error(err))
		return fmt.Errorf("failed to index invoice: %w", err)
	}
	return nil
}

func (i *InvoiceIndex) Lookup(ctx context.Context, invoiceID string) (int64, error) {
	raw, err := i.client.Get(ctx, invoicePrefix+invoiceID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, repository.ErrInvoiceNotIndexed
		}
		return 0, fmt.Errorf("failed to look up invoice: %w", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt invoice index entry %q: %w", invoiceID, err)
	}
	return userID, nil
}

func (i *InvoiceIndex) Remove(ctx context.Context, invoiceID string) error {
	if err := i.client.Del(ctx, invoicePrefix+invoiceID); err != nil {
		return fmt.Errorf("failed to remove invoice index entry: %w", err)
	}
	return nil
}
