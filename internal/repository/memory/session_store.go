package memory

import (
	"context"
	"sync"
	"time"

	"rada-service/internal/models"
	"rada-service/internal/repository"
)

// SessionStore keeps sessions in process memory. Used when Redis is not configured.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[int64]*models.Session
	ttl      time.Duration
	now      func() time.Time
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

func NewSessionStore(ttl time.Duration, opts ...Option) *SessionStore {
	o := buildOptions(opts)
	return &SessionStore{
		sessions: make(map[int64]*models.Session),
		ttl:      ttl,
		now:      o.now,
	}
}

func (s *SessionStore) Get(ctx context.Context, userID int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(userID)
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *SessionStore) Set(ctx context.Context, session *models.Session) error {
	now := s.now()
	c := session.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	s.sessions[c.UserID] = c
	s.mu.Unlock()

	session.CreatedAt, session.UpdatedAt = c.CreatedAt, c.UpdatedAt
	return nil
}

func (s *SessionStore) Patch(ctx context.Context, userID int64, fn func(*models.Session) error) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(userID)
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	working := sess.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UserID = userID
	working.UpdatedAt = s.now()
	s.sessions[userID] = working
	return working.Clone(), nil
}

func (s *SessionStore) Delete(ctx context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) SweepExpired(ctx context.Context) ([]*models.Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.Session
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	return expired, nil
}

// Len is the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// live returns the session if present and not idle-expired. Caller holds mu.
func (s *SessionStore) live(userID int64) (*models.Session, bool) {
	sess, ok := s.sessions[userID]
	if !ok || s.expired(sess, s.now()) {
		return nil, false
	}
	return sess, true
}

func (s *SessionStore) expired(sess *models.Session, now time.Time) bool {
	return now.Sub(sess.UpdatedAt) > s.ttl
}
