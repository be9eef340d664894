package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/mixprop/internal/infrastructure/auth/keycloak"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

const claimsKey = "auth.claims"

// TokenVerifier validates bearer tokens. *keycloak.Verifier implements it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*keycloak.TokenClaims, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// verified claims on the context. Failure details are logged, not returned.
func Authenticate(v TokenVerifier, logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer`)
			abortAuth(c, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := v.VerifyToken(c.Request.Context(), raw)
		if err != nil {
			logger.Warn("token rejected",
				logging.String("path", c.FullPath()),
				logging.String("request_id", GetRequestID(c)),
				logging.Err(err),
			)
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			abortAuth(c, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "invalid or expired token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole allows only requests whose verified claims carry role. It must
// run after Authenticate.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			abortAuth(c, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "authentication required")
			return
		}
		if !claims.HasRole(role) {
			abortAuth(c, http.StatusForbidden, errors.ErrCodeForbidden, "missing role "+role)
			return
		}
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by Authenticate.
func ClaimsFromContext(c *gin.Context) (*keycloak.TokenClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*keycloak.TokenClaims)
	return claims, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortAuth(c *gin.Context, status int, code errors.ErrorCode, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": string(code), "message": msg})
}
