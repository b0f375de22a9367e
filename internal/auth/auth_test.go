package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserID(t *testing.T) {
	tests := []struct {
		name     string
		context  map[string]any
		expected string
	}{
		{"nil context", nil, ""},
		{"top-level userId", map[string]any{"userId": "u1"}, "u1"},
		{"nested user id", map[string]any{"user": map[string]any{"id": "u2"}}, "u2"},
		{"nested mongo-style _id", map[string]any{"user": map[string]any{"_id": "u3"}}, "u3"},
		{"userId wins over nested", map[string]any{"userId": "u4", "user": map[string]any{"id": "other"}}, "u4"},
		{"non-string userId ignored", map[string]any{"userId": 42}, ""},
		{"empty", map[string]any{}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, UserID(tc.context))
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/__h", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("x-api-key", "key-1")
	assert.Equal(t, "key-1", BearerToken(r))

	// Authorization header takes precedence over x-api-key.
	r.Header.Set("Authorization", "Bearer tok-1")
	assert.Equal(t, "tok-1", BearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "key-1", BearerToken(r), "non-bearer schemes fall through to x-api-key")
}

func TestProject(t *testing.T) {
	full := map[string]any{
		"userId": "u1",
		"role":   "admin",
		"secret": "hunter2",
	}

	projected := Project(full, []string{"role"})
	assert.Equal(t, map[string]any{"userId": "u1", "role": "admin"}, projected)
	assert.NotContains(t, projected, "secret")
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	authFn := JWT(secret)

	sign := func(claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(secret)
		require.NoError(t, err)
		return signed
	}

	t.Run("valid token authenticates", func(t *testing.T) {
		raw := sign(jwt.MapClaims{
			"sub":  "u1",
			"role": "admin",
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		ctx, err := authFn(context.Background(), map[string]any{"token": raw})
		require.NoError(t, err)
		require.NotNil(t, ctx)
		assert.Equal(t, "u1", UserID(ctx))
		assert.Equal(t, "admin", ctx["role"])
		assert.NotContains(t, ctx, "exp")
	})

	t.Run("missing token denies", func(t *testing.T) {
		ctx, err := authFn(context.Background(), map[string]any{})
		require.NoError(t, err)
		assert.Nil(t, ctx)
	})

	t.Run("expired token denies", func(t *testing.T) {
		raw := sign(jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
		ctx, err := authFn(context.Background(), map[string]any{"token": raw})
		require.NoError(t, err)
		assert.Nil(t, ctx)
	})

	t.Run("wrong secret denies", func(t *testing.T) {
		other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
		raw, err := other.SignedString([]byte("other-secret"))
		require.NoError(t, err)
		ctx, err := authFn(context.Background(), map[string]any{"token": raw})
		require.NoError(t, err)
		assert.Nil(t, ctx)
	})

	t.Run("token without subject denies", func(t *testing.T) {
		raw := sign(jwt.MapClaims{"role": "admin"})
		ctx, err := authFn(context.Background(), map[string]any{"token": raw})
		require.NoError(t, err)
		assert.Nil(t, ctx)
	})
}
