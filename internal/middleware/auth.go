// Package middleware provides HTTP middleware for the Manager API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/privatebeach/beach-manager/internal/auth"
	"github.com/privatebeach/beach-manager/internal/logger"
)

// Context keys set by the auth middleware. User and harness principals
// are disjoint; a handler must check which one it received.
const (
	CtxUser    = "user_principal"
	CtxHarness = "harness_principal"
)

// Auth authenticates the bearer token as either a user JWT or, when
// allowPublish is set, a publish token. Publish tokens are verified
// strictly even in dev bypass mode. Failures are 401 with a neutral
// message; token contents are never logged.
func Auth(users *auth.UserVerifier, publish *auth.PublishTokens, allowPublish bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing bearer token"})
			return
		}

		// Publish tokens are our own HMAC JWTs; try them first on routes
		// that accept them so a harness never accidentally verifies as a
		// user.
		if allowPublish {
			if hp, err := publish.Verify(raw); err == nil {
				c.Set(CtxHarness, hp)
				c.Next()
				return
			}
		}

		up, err := users.Verify(c.Request.Context(), raw)
		if err != nil {
			logger.Auth().Debug().Str("path", c.FullPath()).Msg("Bearer rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid bearer token"})
			return
		}
		c.Set(CtxUser, up)
		c.Next()
	}
}

// User extracts the user principal, if the caller authenticated as one.
func User(c *gin.Context) (*auth.UserPrincipal, bool) {
	v, ok := c.Get(CtxUser)
	if !ok {
		return nil, false
	}
	up, ok := v.(*auth.UserPrincipal)
	return up, ok
}

// Harness extracts the harness principal, if the caller authenticated
// with a publish token.
func Harness(c *gin.Context) (*auth.HarnessPrincipal, bool) {
	v, ok := c.Get(CtxHarness)
	if !ok {
		return nil, false
	}
	hp, ok := v.(*auth.HarnessPrincipal)
	return hp, ok
}

// RequireSelf enforces the publish-token scoping invariant: a harness
// caller may only act on the session id in its sid claim, whatever the
// route says. User callers pass through for the handler's own
// membership check.
func RequireSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hp, ok := Harness(c)
		if !ok {
			c.Next()
			return
		}
		if hp.SessionID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
