package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret string, subject string, expiry time.Time) string {
	t.Helper()
	claims := DashboardClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiry),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestDashboardAuthMiddlewareAcceptsValidToken(t *testing.T) {
	v := NewJWTValidator("dashboard-secret")
	tok := signedToken(t, "dashboard-secret", "user-1", time.Now().Add(time.Hour))

	var gotUser string
	handler := DashboardAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/approvals/pending", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", gotUser)
}

func TestDashboardAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	v := NewJWTValidator("dashboard-secret")
	tok := signedToken(t, "dashboard-secret", "user-1", time.Now().Add(-time.Hour))

	handler := DashboardAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/approvals/pending", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboardAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	tok := signedToken(t, "other-secret", "user-1", time.Now().Add(time.Hour))
	v := NewJWTValidator("dashboard-secret")

	handler := DashboardAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/approvals/pending", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
