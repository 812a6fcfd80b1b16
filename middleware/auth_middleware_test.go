package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func protectedHandler(gotSubject *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotSubject = GetSubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth(t *testing.T) {
	t.Run("disabled without secret", func(t *testing.T) {
		m := NewAuthMiddleware("", zap.NewNop())
		assert.False(t, m.Enabled())

		var subject string
		rec := httptest.NewRecorder()
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, subject)
	})

	t.Run("valid token passes with subject", func(t *testing.T) {
		m := NewAuthMiddleware(testSecret, zap.NewNop())
		token := signToken(t, testSecret, jwt.MapClaims{
			"sub": "sim-controller",
			"exp": time.Now().Add(time.Hour).Unix(),
		})

		var subject string
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sim-controller", subject)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		m := NewAuthMiddleware(testSecret, zap.NewNop())

		var subject string
		rec := httptest.NewRecorder()
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header rejected", func(t *testing.T) {
		m := NewAuthMiddleware(testSecret, zap.NewNop())

		var subject string
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Token abc")
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		m := NewAuthMiddleware(testSecret, zap.NewNop())
		token := signToken(t, "other-secret", jwt.MapClaims{
			"sub": "sim-controller",
			"exp": time.Now().Add(time.Hour).Unix(),
		})

		var subject string
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		m := NewAuthMiddleware(testSecret, zap.NewNop())
		token := signToken(t, testSecret, jwt.MapClaims{
			"sub": "sim-controller",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})

		var subject string
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		m.RequireAuth(protectedHandler(&subject)).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
