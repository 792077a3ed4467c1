//go:build integration

package routes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/database"
	"github.com/BradenHooton/authgate/internal/handlers"
	"github.com/BradenHooton/authgate/internal/middleware"
	"github.com/BradenHooton/authgate/internal/models"
	"github.com/BradenHooton/authgate/internal/repositories"
	"github.com/BradenHooton/authgate/internal/services"
	pkglogger "github.com/BradenHooton/authgate/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *database.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("authgate"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		panic("failed to start postgres container: " + err.Error())
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := database.Migrate(ctx, sqlDB, logger); err != nil {
		panic(err)
	}
	sqlDB.Close()

	testDB = database.NewFromPool(pool, logger)

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// capturingNotifier records lockout notifications instead of sending mail
type capturingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *capturingNotifier) NotifyLockout(_ context.Context, email string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, email)
	return nil
}

func (n *capturingNotifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// testServer wires the real services and Postgres repositories behind the router
type testServer struct {
	handler  http.Handler
	notifier *capturingNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, err := testDB.Pool.Exec(context.Background(), `TRUNCATE rate_limits, sessions, users CASCADE`)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter := services.NewRateLimitService(repositories.NewRateLimitRepository(testDB), services.RateLimitConfig{
		Enabled: true,
		Policy: models.RateLimitPolicy{
			MaxAttempts:   3,
			Window:        15 * time.Minute,
			BlockDuration: 30 * time.Minute,
		},
		OperationTimeout: 5 * time.Second,
	}, logger)

	authService := services.NewAuthService(
		repositories.NewUserRepository(testDB),
		repositories.NewSessionRepository(testDB),
		limiter,
		auth.NewTokenManager("integration-secret-32-characters!", 24*time.Hour),
		logger,
		pkglogger.NewAuditLogger(logger),
		services.AuthConfig{OperationTimeout: 5 * time.Second},
	)
	notifier := &capturingNotifier{}
	authService.SetLockoutNotifier(notifier)

	cookies := auth.CookieConfig{Name: "auth_token"}
	router := chi.NewRouter()
	RegisterRoutes(router,
		handlers.NewAuthHandler(authService, cookies, nil, logger),
		authService,
		cookies,
		middleware.RateLimitConfig{},
		logger,
	)

	return &testServer{handler: router, notifier: notifier}
}

func (s *testServer) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "auth_token" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

const (
	testEmail    = "alice@example.com"
	testPassword = "Corr3ct-Horse-Battery"
)

func (s *testServer) register(t *testing.T) {
	t.Helper()
	w := s.do("POST", "/auth/register",
		`{"email":"Alice@Example.com","password":"`+testPassword+`","name":"Alice"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_LoginSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	w := s.do("POST", "/auth/login", `{"email":"alice@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "token")

	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	w = s.do("GET", "/auth/me", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var me map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, testEmail, me["email"])

	w = s.do("GET", "/auth/sessions", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions handlers.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, sessions.CurrentID, sessions.Sessions[0].ID)

	assert.Equal(t, http.StatusNoContent, s.do("POST", "/auth/logout", "", cookie).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/auth/me", "", cookie).Code)
}

func TestServer_LogoutAllRevokesEverySession(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	body := `{"email":"alice@example.com","password":"` + testPassword + `"}`
	first := sessionCookie(t, s.do("POST", "/auth/login", body))
	second := sessionCookie(t, s.do("POST", "/auth/login", body))

	assert.Equal(t, http.StatusNoContent, s.do("POST", "/auth/logout-all", "", first).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/auth/me", "", first).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do("GET", "/auth/me", "", second).Code)
}

func TestServer_LockoutAfterRepeatedFailures(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	bad := `{"email":"alice@example.com","password":"wrong-password"}`

	w := s.do("POST", "/auth/login", bad)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "2 attempts remaining")

	s.do("POST", "/auth/login", bad)
	s.do("POST", "/auth/login", bad)

	// Correct password is refused while blocked
	w = s.do("POST", "/auth/login", `{"email":"alice@example.com","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, []string{"1799", "1800"}, w.Header().Get("Retry-After"))

	assert.Equal(t, []string{testEmail}, s.notifier.Sent())
}

func TestServer_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	known := s.do("POST", "/auth/login", `{"email":"alice@example.com","password":"wrong-password"}`)
	unknown := s.do("POST", "/auth/login", `{"email":"nobody@example.com","password":"wrong-password"}`)

	assert.Equal(t, known.Code, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	assert.Empty(t, s.notifier.Sent())
}
