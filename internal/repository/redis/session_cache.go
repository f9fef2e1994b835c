package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rada-service/internal/client"
	"rada-service/internal/models"
	"rada-service/internal/repository"
	"rada-service/internal/util"
)

const (
	sessionPrefix     = "session:"
	sessionExpiryZSet = "sessions:expiry"
	maxPatchRetries   = 5
)

// SessionStore keeps sessions as JSON blobs under session:<user_id>. Idle
// expiry is enforced from UpdatedAt; the Redis key lives twice as long so the
// sweeper can still read what an expired session referenced.
type SessionStore struct {
	client *client.RedisClient
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewSessionStore(c *client.RedisClient, ttl time.Duration, opts ...Option) *SessionStore {
	o := buildOptions(opts)
	return &SessionStore{client: c, ttl: ttl, now: o.now}
}

func (s *SessionStore) Get(ctx context.Context, userID int64) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(userID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrSessionNotFound
		}
		util.Error("Failed to get session", util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	if s.expired(sess) {
		return nil, repository.ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionStore) Set(ctx context.Context, session *models.Session) error {
	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	pipe := s.client.TxPipeline()
	s.queueWrite(ctx, pipe, session.UserID, payload, now)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to set session", util.UserID(session.UserID), zap.Error(err))
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

func (s *SessionStore) Patch(ctx context.Context, userID int64, fn func(*models.Session) error) (*models.Session, error) {
	key := sessionKey(userID)
	var result *models.Session

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return repository.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if s.expired(sess) {
			return repository.ErrSessionNotFound
		}
		if err := fn(sess); err != nil {
			return err
		}

		now := s.now()
		sess.UserID = userID
		sess.UpdatedAt = now
		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queueWrite(ctx, pipe, userID, payload, now)
			return nil
		})
		if err == nil {
			result = sess
		}
		return err
	}

	for attempt := 0; attempt < maxPatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to patch session %d: too much contention", userID)
}

func (s *SessionStore) Delete(ctx context.Context, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(userID))
	pipe.ZRem(ctx, sessionExpiryZSet, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete session", util.UserID(userID), zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) SweepExpired(ctx context.Context) ([]*models.Session, error) {
	due, err := s.client.Client.ZRangeByScore(ctx, sessionExpiryZSet, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var expired []*models.Session
	for _, member := range due {
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			_ = s.client.Client.ZRem(ctx, sessionExpiryZSet, member).Err()
			continue
		}
		sess, err := s.evict(ctx, userID)
		if err != nil {
			util.Warn("Failed to evict expired session", util.UserID(userID), zap.Error(err))
			continue
		}
		if sess != nil {
			expired = append(expired, sess)
		}
	}
	return expired, nil
}

// evict removes the session if it is still expired. A session refreshed
// since it was listed is left alone.
func (s *SessionStore) evict(ctx context.Context, userID int64) (*models.Session, error) {
	key := sessionKey(userID)
	var evicted *models.Session

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return tx.ZRem(ctx, sessionExpiryZSet, userID).Err()
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if !s.expired(sess) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, sessionExpiryZSet, userID)
			return nil
		})
		if err == nil {
			evicted = sess
		}
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return nil, nil
	}
	return evicted, err
}

func (s *SessionStore) queueWrite(ctx context.Context, pipe goredis.Pipeliner, userID int64, payload []byte, now time.Time) {
	pipe.Set(ctx, sessionKey(userID), payload, 2*s.ttl)
	pipe.ZAdd(ctx, sessionExpiryZSet, goredis.Z{
		Score:  float64(now.Add(s.ttl).UnixMilli()),
		Member: userID,
	})
}

func (s *SessionStore) expired(sess *models.Session) bool {
	return s.now().Sub(sess.UpdatedAt) > s.ttl
}

func decodeSession(raw string) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func sessionKey(userID int64) string {
	return sessionPrefix + strconv.FormatInt(userID, 10)
}
