package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/authgate/internal/models"
	"github.com/BradenHooton/authgate/internal/repositories"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc    func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
	CreateFunc     func(ctx context.Context, user *models.User) (*models.User, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

// fakeSessionRepository keeps sessions in a map keyed by token hash
type fakeSessionRepository struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	createErr error
	getErr    error
}

func newFakeSessionRepository() *fakeSessionRepository {
	return &fakeSessionRepository{sessions: make(map[string]*models.Session)}
}

func (r *fakeSessionRepository) Create(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	c := *s
	r.sessions[s.TokenHash] = &c
	return nil
}

func (r *fakeSessionRepository) GetByTokenHash(_ context.Context, hash string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.sessions[hash]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (r *fakeSessionRepository) ListByUser(_ context.Context, userID string, now time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if s.UserID == userID && !s.IsExpired(now) {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeSessionRepository) DeleteByTokenHash(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, hash)
	return nil
}

func (r *fakeSessionRepository) DeleteByUser(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, s := range r.sessions {
		if s.IsExpired(now) {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

var errStoreDown = errors.New("connection refused")

// failingRateLimitStore fails every call
type failingRateLimitStore struct{}

func (failingRateLimitStore) Get(context.Context, string) (*models.RateLimitRecord, error) {
	return nil, errStoreDown
}

func (failingRateLimitStore) Increment(context.Context, string, time.Time, models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	return nil, errStoreDown
}

func (failingRateLimitStore) Reset(context.Context, string) error {
	return errStoreDown
}

func (failingRateLimitStore) ResetExpired(context.Context, string, time.Time, models.RateLimitPolicy) (bool, error) {
	return false, errStoreDown
}

func (failingRateLimitStore) DeleteExpired(context.Context, time.Time, models.RateLimitPolicy) (int64, error) {
	return 0, errStoreDown
}

// recordingNotifier captures lockout notifications
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	until []time.Time
}

func (n *recordingNotifier) NotifyLockout(_ context.Context, email string, until time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, email)
	n.until = append(n.until, until)
	return nil
}

// interleavingRateLimitStore runs afterGet once between a Get and the caller's next call,
// standing in for a request that lands between the two
type interleavingRateLimitStore struct {
	*repositories.MemoryRateLimitStore
	afterGet func()
}

func (s *interleavingRateLimitStore) Get(ctx context.Context, identifier string) (*models.RateLimitRecord, error) {
	rec, err := s.MemoryRateLimitStore.Get(ctx, identifier)
	if s.afterGet != nil {
		hook := s.afterGet
		s.afterGet = nil
		hook()
	}
	return rec, err
}
