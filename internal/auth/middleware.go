// Package auth guards operator endpoints with a shared admin secret.
//
// Authentication model:
// - Read endpoints (status, alerts, history): no auth required
// - Mutations (breaker transitions, alert resolution, finding submission):
//   require the admin secret
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/validation"
)

const (
	// ContextKeyOperator is the key for the authenticated operator id.
	ContextKeyOperator = "operatorID"

	// HeaderAdminSecret carries the secret when Authorization is not used.
	HeaderAdminSecret = "X-Admin-Secret"
	// HeaderOperatorID names the operator recorded in the audit trail.
	HeaderOperatorID = "X-Operator-ID"

	maxOperatorIDLength = 64
)

// RequireAdmin rejects requests that do not present secret, either as
// "Authorization: Bearer <secret>" or in the X-Admin-Secret header. An
// empty secret disables every guarded route unless allowOpen is set, which
// is meant for local development only.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	want := sha256.Sum256([]byte(secret))

	return func(c *gin.Context) {
		if secret == "" {
			if !allowOpen {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Operator endpoints are disabled. Set ADMIN_SECRET to enable them.",
				})
				return
			}
			c.Set(ContextKeyOperator, operatorID(c))
			c.Next()
			return
		}

		presented := presentedSecret(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}

		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyOperator, operatorID(c))
		c.Next()
	}
}

func presentedSecret(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.GetHeader(HeaderAdminSecret))
}

func operatorID(c *gin.Context) string {
	return validation.SanitizeString(c.GetHeader(HeaderOperatorID), maxOperatorIDLength)
}

// Operator returns the operator id set by RequireAdmin, which may be empty.
func Operator(c *gin.Context) string {
	return c.GetString(ContextKeyOperator)
}

// IsAuthenticated reports whether RequireAdmin admitted the request.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyOperator)
	return exists
}
