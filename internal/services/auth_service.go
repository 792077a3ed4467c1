package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/models"
	pkgauth "github.com/BradenHooton/authgate/pkg/auth"
	pkglogger "github.com/BradenHooton/authgate/pkg/logger"
)

// UserRepository defines the user lookups the auth flow needs
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// SessionRepository defines the interface for session persistence
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, now time.Time) ([]*models.Session, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuthConfig holds login behaviour that is not part of the rate limit policy
type AuthConfig struct {
	OperationTimeout time.Duration
	ThrottleByIP     bool // also rate limit "ip:<addr>"
}

const maxLoginPasswordLen = 1024

// Failure reasons recorded in logs and audit events, never returned to clients
const (
	reasonUserNotFound    = "user_not_found"
	reasonAccountDisabled = "account_disabled"
	reasonInvalidPassword = "invalid_password"
	reasonInternalError   = "internal_error"
)

// AuthService handles authentication business logic
type AuthService struct {
	users       UserRepository
	sessions    SessionRepository
	limiter     *RateLimitService
	tm          *auth.TokenManager
	timing      *auth.TimingDelay
	notifier    LockoutNotifier
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	validate    *validator.Validate
	config      AuthConfig
	now         func() time.Time
}

func NewAuthService(users UserRepository, sessions SessionRepository, limiter *RateLimitService, tm *auth.TokenManager, logger *slog.Logger, auditLogger *pkglogger.AuditLogger, config AuthConfig) *AuthService {
	return &AuthService{
		users:       users,
		sessions:    sessions,
		limiter:     limiter,
		tm:          tm,
		logger:      logger,
		auditLogger: auditLogger,
		validate:    validator.New(),
		config:      config,
		now:         time.Now,
	}
}

// SetTimingDelay pads failed logins so response time does not reveal the failure reason
func (s *AuthService) SetTimingDelay(td *auth.TimingDelay) {
	s.timing = td
}

// SetLockoutNotifier enables e-mail when a failure blocks an existing account
func (s *AuthService) SetLockoutNotifier(n LockoutNotifier) {
	s.notifier = n
}

// SetClock replaces the time source (for testing)
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

// LoginInput carries the credentials and request metadata of one attempt
type LoginInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned on success. The caller sets Token as the session cookie.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
	Session   *models.Session
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func UserModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
		UpdatedAt: user.UpdatedAt.Format(time.RFC3339),
	}
}

// Login verifies credentials behind the rate limiter.
//
// Errors: *models.ValidationError, *models.RateLimitError, *models.AuthenticationError,
// *models.StorageError, or models.ErrInternalServer. Every failure after the rate limit
// gate increments the attempt counter before returning.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	start := time.Now()
	email := normalizeEmail(in.Email)

	if err := s.validateLogin(email, in.Password); err != nil {
		return nil, err
	}

	identifiers := s.identifiers(email, in.IPAddress)

	for _, id := range identifiers {
		status, err := s.limiter.CheckRateLimit(ctx, id)
		if err != nil {
			s.timing.WaitFrom(ctx, start, false)
			return nil, err
		}
		if status.Blocked {
			s.auditLogger.Log(ctx, pkglogger.AuditEvent{
				EventType:     pkglogger.EventLoginBlocked,
				Email:         email,
				IPAddress:     in.IPAddress,
				UserAgent:     in.UserAgent,
				FailureReason: "rate_limited",
				Metadata:      map[string]string{"identifier": pkglogger.SanitizedIdentifier(id)},
			})
			s.timing.WaitFrom(ctx, start, false)
			return nil, &models.RateLimitError{BlockedUntil: *status.BlockedUntil}
		}
	}

	user, reason, err := s.checkCredentials(ctx, email, in.Password)
	if err != nil {
		s.logger.Error("login failed unexpectedly", slog.Any("error", err))
		return nil, s.failLogin(ctx, start, in, email, identifiers, user, reasonInternalError, err)
	}
	if reason != "" {
		s.logger.Info("login failed",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.String("reason", reason))
		return nil, s.failLogin(ctx, start, in, email, identifiers, user, reason, nil)
	}

	result, err := s.issueSession(ctx, user, in)
	if err != nil {
		s.logger.Error("failed to issue session", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, s.failLogin(ctx, start, in, email, identifiers, user, reasonInternalError, err)
	}

	for _, id := range identifiers {
		if err := s.limiter.ResetAttempts(ctx, id); err != nil {
			s.logger.Warn("failed to reset rate limit after login",
				slog.String("identifier", pkglogger.SanitizedIdentifier(id)),
				slog.Any("error", err))
		}
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID))
	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventLoginSuccess,
		UserID:    user.ID,
		Email:     email,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Success:   true,
	})

	s.timing.WaitFrom(ctx, start, true)
	return result, nil
}

func (s *AuthService) validateLogin(email, password string) error {
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return &models.ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if password == "" {
		return &models.ValidationError{Field: "password", Message: "is required"}
	}
	if len(password) > maxLoginPasswordLen {
		return &models.ValidationError{Field: "password", Message: "is too long"}
	}
	return nil
}

func (s *AuthService) identifiers(email, ip string) []string {
	ids := []string{email}
	if s.config.ThrottleByIP && ip != "" {
		ids = append(ids, "ip:"+ip)
	}
	return ids
}

// checkCredentials returns a non-empty reason for a credential failure and
// an error only when the check itself could not complete.
func (s *AuthService) checkCredentials(ctx context.Context, email, password string) (*models.User, string, error) {
	lookupCtx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	user, err := s.users.GetByEmail(lookupCtx, email)
	cancel()

	if errors.Is(err, models.ErrNotFound) {
		// spend the same bcrypt time as a real comparison
		compareCtx, cancel := withTimeout(ctx, s.config.OperationTimeout)
		_ = pkgauth.ComparePasswordContext(compareCtx, dummyPasswordHash(), password)
		cancel()
		return nil, reasonUserNotFound, nil
	}
	if err != nil {
		return nil, "", models.NewStorageError("user.get_by_email", err)
	}

	compareCtx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	err = pkgauth.ComparePasswordContext(compareCtx, user.PasswordHash, password)
	cancel()

	if errors.Is(err, pkgauth.ErrPasswordMismatch) {
		return user, reasonInvalidPassword, nil
	}
	if err != nil {
		return user, "", fmt.Errorf("password comparison failed: %w", err)
	}

	if user.Status != models.UserStatusActive {
		return user, reasonAccountDisabled, nil
	}

	return user, "", nil
}

// failLogin counts the failure against every identifier and builds the client error.
// cause is nil for ordinary credential failures.
func (s *AuthService) failLogin(ctx context.Context, start time.Time, in LoginInput, email string, identifiers []string, user *models.User, reason string, cause error) error {
	defer s.timing.WaitFrom(ctx, start, false)

	event := pkglogger.AuditEvent{
		EventType:     pkglogger.EventLoginFailed,
		Email:         email,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
		FailureReason: reason,
	}
	if user != nil {
		event.UserID = user.ID
	}
	s.auditLogger.Log(ctx, event)

	var emailStatus models.RateLimitStatus
	for i, id := range identifiers {
		status, err := s.limiter.IncrementAttempts(ctx, id)
		if err != nil {
			return err
		}
		if i == 0 {
			emailStatus = status
		}
	}

	if emailStatus.Blocked {
		s.onLockout(ctx, in, email, user, *emailStatus.BlockedUntil)
	}

	if cause != nil {
		var storageErr *models.StorageError
		if errors.As(cause, &storageErr) {
			return storageErr
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return models.NewStorageError("login", cause)
		}
		return fmt.Errorf("login: %w", models.ErrInternalServer)
	}

	return &models.AuthenticationError{RemainingAttempts: emailStatus.RemainingAttempts}
}

func (s *AuthService) onLockout(ctx context.Context, in LoginInput, email string, user *models.User, until time.Time) {
	event := pkglogger.AuditEvent{
		EventType: pkglogger.EventLockout,
		Email:     email,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Metadata:  map[string]string{"blocked_until": until.UTC().Format(time.RFC3339)},
	}
	if user != nil {
		event.UserID = user.ID
	}
	s.auditLogger.Log(ctx, event)

	// only real accounts get mail, or the notice would confirm which addresses exist
	if s.notifier == nil || user == nil {
		return
	}

	notifyCtx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.notifier.NotifyLockout(notifyCtx, user.Email, until); err != nil {
		s.logger.Warn("lockout notification failed", slog.String("user_id", user.ID), slog.Any("error", err))
	}
}

func (s *AuthService) issueSession(ctx context.Context, user *models.User, in LoginInput) (*LoginResult, error) {
	sessionID := uuid.New().String()

	token, expiresAt, err := s.tm.GenerateSessionToken(user.ID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	session := &models.Session{
		ID:        sessionID,
		UserID:    user.ID,
		TokenHash: auth.HashToken(token),
		ExpiresAt: expiresAt,
		CreatedAt: s.now(),
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}

	createCtx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.sessions.Create(createCtx, session); err != nil {
		return nil, models.NewStorageError("session.create", err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
		Session:   session,
	}, nil
}

// Authenticate validates a session token and requires its session row to exist and be unexpired
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.SessionClaims, error) {
	claims, err := s.tm.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	session, err := s.sessions.GetByTokenHash(ctx, auth.HashToken(token))
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("session revoked: %w", models.ErrUnauthorized)
	}
	if err != nil {
		return nil, models.NewStorageError("session.get", err)
	}

	if session.IsExpired(s.now()) || session.ID != claims.ID || session.UserID != claims.UserID {
		return nil, fmt.Errorf("session mismatch or expired: %w", models.ErrUnauthorized)
	}

	return claims, nil
}

// Logout deletes the session of token. Unknown or invalid tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, token, ipAddress, userAgent string) error {
	if token == "" {
		return nil
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	if err := s.sessions.DeleteByTokenHash(ctx, auth.HashToken(token)); err != nil {
		return models.NewStorageError("session.delete", err)
	}

	event := pkglogger.AuditEvent{
		EventType: pkglogger.EventLogout,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	}
	if claims, err := s.tm.ValidateToken(token); err == nil {
		event.UserID = claims.UserID
	}
	s.auditLogger.Log(ctx, event)

	return nil
}

// LogoutAll deletes every session of userID
func (s *AuthService) LogoutAll(ctx context.Context, userID, ipAddress, userAgent string) error {
	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	deleted, err := s.sessions.DeleteByUser(ctx, userID)
	if err != nil {
		return models.NewStorageError("session.delete_by_user", err)
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventLogoutAll,
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
		Metadata:  map[string]string{"sessions": fmt.Sprintf("%d", deleted)},
	})

	return nil
}

// ListSessions returns the user's active sessions, newest first
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	sessions, err := s.sessions.ListByUser(ctx, userID, s.now())
	if err != nil {
		return nil, models.NewStorageError("session.list", err)
	}
	return sessions, nil
}

// GetUser returns the user behind an authenticated session
func (s *AuthService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrUnauthorized
	}
	if err != nil {
		return nil, models.NewStorageError("user.get_by_id", err)
	}
	return user, nil
}

// RegisterInput carries a new account's details
type RegisterInput struct {
	Email     string
	Password  string
	Name      string
	IPAddress string
	UserAgent string
}

// Register creates an account. A taken e-mail returns models.ErrConflict.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := normalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)

	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return nil, &models.ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if err := s.validate.Var(name, "required,max=100"); err != nil {
		return nil, &models.ValidationError{Field: "name", Message: "is required and must be at most 100 characters"}
	}
	if err := pkgauth.ValidatePassword(in.Password); err != nil {
		return nil, &models.ValidationError{Field: "password", Message: strings.TrimPrefix(err.Error(), "password ")}
	}

	hashed, err := pkgauth.HashPassword(in.Password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	ctx, cancel := withTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	user, err := s.users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hashed,
		Name:         name,
	})
	if errors.Is(err, models.ErrConflict) {
		s.logger.Info("registration failed: user already exists")
		return nil, models.ErrConflict
	}
	if err != nil {
		return nil, models.NewStorageError("user.create", err)
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID))
	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		EventType: pkglogger.EventUserRegistered,
		UserID:    user.ID,
		Email:     email,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Success:   true,
	})

	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// dummyPasswordHash is compared against when the e-mail is unknown
func dummyPasswordHash() string {
	dummyHashOnce.Do(func() {
		dummyHash, _ = pkgauth.HashPassword(uuid.New().String())
	})
	return dummyHash
}
