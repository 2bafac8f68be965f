package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: "test-secret", Issuer: "converse", Audience: "admin", TTL: time.Hour}
}

func TestGenerateAndAuthenticate(t *testing.T) {
	t.Parallel()

	cfg := testTokenConfig()
	token, expiresAt, err := GenerateToken(cfg, "operator-1", "tenant-1", []string{ScopeTenantOperator})
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	e := echo.New()
	e.Use(JWTMiddleware(cfg, nil))
	e.GET("/admin/ping", func(c echo.Context) error {
		claims, err := ClaimsFromContext(c)
		require.NoError(t, err)
		assert.Equal(t, "operator-1", claims.Subject)
		assert.Equal(t, "tenant-1", claims.TenantID)
		assert.Contains(t, claims.Scopes, ScopeTenantOperator)
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTMiddlewareRejectsBadToken(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(JWTMiddleware(testTokenConfig(), nil))
	e.GET("/admin/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScope(t *testing.T) {
	t.Parallel()

	cfg := testTokenConfig()
	e := echo.New()
	e.Use(JWTMiddleware(cfg, nil))
	e.GET("/admin/privileged", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, RequireScope(ScopePlatformAdmin))

	operatorToken, _, err := GenerateToken(cfg, "op", "tenant-1", []string{ScopeTenantOperator})
	require.NoError(t, err)
	adminToken, _, err := GenerateToken(cfg, "root", "", []string{ScopePlatformAdmin})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/privileged", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/privileged", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowsTenant(t *testing.T) {
	t.Parallel()

	admin := Claims{Scopes: []string{ScopePlatformAdmin}}
	assert.True(t, admin.AllowsTenant("any"))

	operator := Claims{Scopes: []string{ScopeTenantOperator}, TenantID: "tenant-1"}
	assert.True(t, operator.AllowsTenant("tenant-1"))
	assert.False(t, operator.AllowsTenant("tenant-2"))
	assert.False(t, Claims{}.AllowsTenant("tenant-1"))
}
