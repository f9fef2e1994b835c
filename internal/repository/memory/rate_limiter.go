package memory

import "context"

// AllowAllLimiter is the chat limiter used without Redis.
type AllowAllLimiter struct{}

func (AllowAllLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	return true, nil
}
