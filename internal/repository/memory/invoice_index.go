package memory

import (
	"context"
	"sync"
	"time"

	"rada-service/internal/repository"
)

type indexEntry struct {
	userID    int64
	expiresAt time.Time
}

// InvoiceIndex maps invoice ids to users in process memory.
type InvoiceIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewInvoiceIndex keeps entries for ttl; zero keeps them until removed.
func NewInvoiceIndex(ttl time.Duration, opts ...Option) *InvoiceIndex {
	o := buildOptions(opts)
	return &InvoiceIndex{
		entries: make(map[string]indexEntry),
		ttl:     ttl,
		now:     o.now,
	}
}

func (i *InvoiceIndex) Put(ctx context.Context, invoiceID string, userID int64) error {
	e := indexEntry{userID: userID}
	if i.ttl > 0 {
		e.expiresAt = i.now().Add(i.ttl)
	}
	i.mu.Lock()
	i.entries[invoiceID] = e
	i.mu.Unlock()
	return nil
}

func (i *InvoiceIndex) Lookup(ctx context.Context, invoiceID string) (int64, error) {
	i.mu.RLock()
	e, ok := i.entries[invoiceID]
	i.mu.RUnlock()

	if !ok {
		return 0, repository.ErrInvoiceNotIndexed
	}
	if !e.expiresAt.IsZero() && i.now().After(e.expiresAt) {
		i.mu.Lock()
		if cur, ok := i.entries[invoiceID]; ok && cur == e {
			delete(i.entries, invoiceID)
		}
		i.mu.Unlock()
		return 0, repository.ErrInvoiceNotIndexed
	}
	return e.userID, nil
}

func (i *InvoiceIndex) Remove(ctx context.Context, invoiceID string) error {
	i.mu.Lock()
	delete(i.entries, invoiceID)
	i.mu.Unlock()
	return nil
}

func (i *InvoiceIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}
