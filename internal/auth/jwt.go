package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimScopes  = "scopes"
	claimTenant  = "tenant_id"

	// ScopePlatformAdmin may operate on any tenant.
	ScopePlatformAdmin = "platform_admin"
	// ScopeTenantOperator is restricted to the tenant named in the token.
	ScopeTenantOperator = "tenant_operator"
)

// TokenConfig holds the signing parameters for admin tokens.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(cfg TokenConfig, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(cfg.Secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// RequireScope rejects requests whose token does not carry any of the given
// scopes. A tenant_operator token is additionally pinned to its tenant: the
// handler must match the request's tenant against Claims.TenantID.
func RequireScope(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := ClaimsFromContext(c)
			if err != nil {
				return err
			}
			for _, want := range scopes {
				if slices.Contains(claims.Scopes, want) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
		}
	}
}

// Claims is the decoded admin token.
type Claims struct {
	Subject  string
	Scopes   []string
	TenantID string
}

// AllowsTenant reports whether the token may act on the given tenant.
func (c Claims) AllowsTenant(tenantID string) bool {
	if slices.Contains(c.Scopes, ScopePlatformAdmin) {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID
}

// ClaimsFromContext extracts admin claims from the request token.
func ClaimsFromContext(c echo.Context) (Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Claims{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}

	claims := Claims{
		Subject:  claimString(mapClaims, claimSubject),
		TenantID: claimString(mapClaims, claimTenant),
	}
	if raw, ok := mapClaims[claimScopes].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				claims.Scopes = append(claims.Scopes, s)
			}
		}
	}
	return claims, nil
}

// GenerateToken creates a signed admin JWT carrying the given scopes and,
// for tenant operators, the tenant binding.
func GenerateToken(cfg TokenConfig, subject, tenantID string, scopes []string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		claimSubject: subject,
		claimScopes:  scopes,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	if tenantID != "" {
		claims[claimTenant] = tenantID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}
