package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/models"
	"github.com/BradenHooton/authgate/internal/services"
	pkghttp "github.com/BradenHooton/authgate/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, in services.LoginInput) (*services.LoginResult, error)
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Logout(ctx context.Context, token, ipAddress, userAgent string) error
	LogoutAll(ctx context.Context, userID, ipAddress, userAgent string) error
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	cookies  auth.CookieConfig
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuthHandler(service AuthServiceInterface, cookies auth.CookieConfig, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		cookies:  cookies,
		ipConfig: ipConfig,
		logger:   logger,
		now:      time.Now,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,max=100"`
}

// LoginResponse is returned on a successful login; the token travels in the cookie only
type LoginResponse struct {
	User      *services.UserResponse `json:"user"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// SessionsResponse lists the caller's active sessions
type SessionsResponse struct {
	Sessions  []*models.Session `json:"sessions"`
	CurrentID string            `json:"current_id"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)

	if err := ValidateRequest(req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	auth.SetSessionCookie(w, result.Token, result.ExpiresAt, h.cookies)
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		User:      services.UserModelToResponse(result.User),
		ExpiresAt: result.ExpiresAt,
	})
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)

	if err := ValidateRequest(req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	user, err := h.service.Register(r.Context(), services.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		Name:      req.Name,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"user": services.UserModelToResponse(user),
	})
}

// Logout handles POST /auth/logout. The cookie is cleared even without a live session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.GetSessionCookie(r, h.cookies)

	err := h.service.Logout(r.Context(), token, pkghttp.ExtractClientIP(r, h.ipConfig), r.UserAgent())
	auth.ClearSessionCookie(w, h.cookies)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout-all (session required)
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.service.LogoutAll(r.Context(), claims.UserID, pkghttp.ExtractClientIP(r, h.ipConfig), r.UserAgent()); err != nil {
		h.writeServiceError(w, err)
		return
	}

	auth.ClearSessionCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me (session required)
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	user, err := h.service.GetUser(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, services.UserModelToResponse(user))
}

// Sessions handles GET /auth/sessions (session required)
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions, CurrentID: claims.ID})
}

// writeServiceError maps the service error taxonomy onto HTTP responses.
// Credential failures always get the same body so clients cannot tell them apart.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		rateLimitErr  *models.RateLimitError
		authErr       *models.AuthenticationError
	)

	switch {
	case errors.As(err, &validationErr):
		pkghttp.WriteValidationError(w, validationErr.Field, validationErr.Field+" "+validationErr.Message)
	case errors.As(err, &rateLimitErr):
		pkghttp.WriteTooManyRequests(w,
			"Too many failed login attempts. Try again after "+rateLimitErr.BlockedUntil.UTC().Format(time.RFC3339),
			rateLimitErr.RetryAfter(h.now()))
	case errors.As(err, &authErr):
		if authErr.RemainingAttempts == models.UnlimitedAttempts {
			pkghttp.WriteUnauthorized(w, authErr.Error())
			return
		}
		pkghttp.WriteErrorWithDetails(w, http.StatusUnauthorized, "unauthorized", authErr.Error(),
			fmt.Sprintf("%d attempts remaining", authErr.RemainingAttempts))
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "Authentication required")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "An account with this email already exists")
	case errors.Is(err, models.ErrStorageUnavailable):
		h.logger.Error("storage unavailable", slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Please try again later")
	default:
		h.logger.Error("unhandled service error", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
