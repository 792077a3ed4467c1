package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/models"
	"github.com/BradenHooton/authgate/internal/services"
	pkghttp "github.com/BradenHooton/authgate/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc        func(ctx context.Context, in services.LoginInput) (*services.LoginResult, error)
	RegisterFunc     func(ctx context.Context, in services.RegisterInput) (*models.User, error)
	LogoutFunc       func(ctx context.Context, token, ipAddress, userAgent string) error
	LogoutAllFunc    func(ctx context.Context, userID, ipAddress, userAgent string) error
	ListSessionsFunc func(ctx context.Context, userID string) ([]*models.Session, error)
	GetUserFunc      func(ctx context.Context, userID string) (*models.User, error)
}

func (m *MockAuthService) Login(ctx context.Context, in services.LoginInput) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, in)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) Register(ctx context.Context, in services.RegisterInput) (*models.User, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, in)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) Logout(ctx context.Context, token, ipAddress, userAgent string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, token, ipAddress, userAgent)
	}
	return nil
}

func (m *MockAuthService) LogoutAll(ctx context.Context, userID, ipAddress, userAgent string) error {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, userID, ipAddress, userAgent)
	}
	return nil
}

func (m *MockAuthService) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx, userID)
	}
	return []*models.Session{}, nil
}

func (m *MockAuthService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, userID)
	}
	return nil, models.ErrUnauthorized
}

var testCookies = auth.CookieConfig{Name: "auth_token"}

func newTestHandler(svc AuthServiceInterface) *AuthHandler {
	return NewAuthHandler(svc, testCookies, pkghttp.NewIPConfig(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext adds session claims to the request as RequireSession would
func WithSessionContext(req *http.Request, userID, sessionID string) *http.Request {
	claims := &models.SessionClaims{UserID: userID}
	claims.ID = sessionID
	ctx := context.WithValue(req.Context(), auth.ClaimsContextKey, claims)
	return req.WithContext(ctx)
}

// AssertErrorResponse checks status and error code of a JSON error body
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedCode string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, expectedCode, body.Error)
	return body
}
