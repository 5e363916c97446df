package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rectory-school/enrichment-api/internal/models"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
	"github.com/rectory-school/enrichment-api/pkg/response"
)

// Context keys for authenticated request state.
const (
	ContextCapabilitiesKey = "capabilities"
	ContextEmailKey        = "userEmail"
)

// Claims carries the caller's identity and capability flags.
type Claims struct {
	jwt.RegisteredClaims
	Email               string `json:"email"`
	EditPastLockout     bool   `json:"edit_past_lockout"`
	IgnoreAdminLocked   bool   `json:"ignore_admin_locked"`
	UseAdminOnlyOptions bool   `json:"use_admin_only_options"`
	SetAdminLocked      bool   `json:"set_admin_locked"`
}

// Capabilities converts the claims into the engine's capability set.
func (c *Claims) Capabilities() models.Capabilities {
	return models.Capabilities{
		EditPastLockout:     c.EditPastLockout,
		IgnoreAdminLocked:   c.IgnoreAdminLocked,
		UseAdminOnlyOptions: c.UseAdminOnlyOptions,
		SetAdminLocked:      c.SetAdminLocked,
	}
}

func parseClaims(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// Auth requires a valid bearer token and stores the caller's capabilities
// and email on the context.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := parseClaims(secret, parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextCapabilitiesKey, claims.Capabilities())
		c.Set(ContextEmailKey, claims.Email)
		c.Next()
	}
}

// OptionalAuth attaches capabilities when a valid token is present.
// Anonymous callers proceed with no capabilities.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if claims, err := parseClaims(secret, parts[1]); err == nil {
				c.Set(ContextCapabilitiesKey, claims.Capabilities())
				c.Set(ContextEmailKey, claims.Email)
			}
		}
		c.Next()
	}
}

// CallerCapabilities returns the capability set stored by Auth, or the
// empty set for anonymous callers.
func CallerCapabilities(c *gin.Context) models.Capabilities {
	if v, ok := c.Get(ContextCapabilitiesKey); ok {
		if caps, ok := v.(models.Capabilities); ok {
			return caps
		}
	}
	return models.Capabilities{}
}

// CallerEmail returns the authenticated email, or "".
func CallerEmail(c *gin.Context) string {
	if v, ok := c.Get(ContextEmailKey); ok {
		if email, ok := v.(string); ok {
			return email
		}
	}
	return ""
}
