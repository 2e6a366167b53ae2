package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

const (
	principalHeader = "X-Trinity-Principal"
	roleHeader      = "X-Trinity-Role"

	principalCtxKey = "trinity_principal"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+principalHeader+", "+roleHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// principalMiddleware resolves the caller from request headers. The control
// plane sits behind an authenticating proxy, so the headers are trusted.
func (s *Server) principalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(principalHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"kind":    v1.KindNotAuthorized,
					"message": principalHeader + " header is required",
				},
			})
			return
		}

		role := v1.Role(c.GetHeader(roleHeader))
		switch role {
		case v1.RoleAdmin, v1.RoleUser:
		default:
			role = v1.RoleUser
		}

		c.Set(principalCtxKey, v1.Principal{ID: id, Role: role})
		c.Next()
	}
}

func principalFrom(c *gin.Context) v1.Principal {
	p, _ := c.Get(principalCtxKey)
	principal, _ := p.(v1.Principal)
	return principal
}

// statusFor maps a typed error kind to an HTTP status.
func statusFor(kind v1.ErrorKind) int {
	switch kind {
	case v1.KindNotFound:
		return http.StatusNotFound
	case v1.KindInvalidName:
		return http.StatusBadRequest
	case v1.KindNameConflict, v1.KindAgentNotRunning:
		return http.StatusConflict
	case v1.KindNotAuthorized:
		return http.StatusUnauthorized
	case v1.KindPermissionDenied, v1.KindDepthExceeded, v1.KindBudgeted:
		return http.StatusForbidden
	case v1.KindRateLimited:
		return http.StatusTooManyRequests
	case v1.KindTimeout:
		return http.StatusGatewayTimeout
	case v1.KindCancelled:
		// Non-standard but widely understood "client closed request".
		return 499
	case v1.KindContainerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a typed error response. Untyped errors surface as 500
// without leaking internals.
func (s *Server) respondError(c *gin.Context, err error) {
	var typed *v1.Error
	if !errors.As(err, &typed) {
		s.logger.Error("internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"kind":    v1.KindInternal,
				"message": "internal error",
			},
		})
		return
	}

	if typed.RetryAfterSec > 0 {
		c.Header("Retry-After", strconv.Itoa(typed.RetryAfterSec))
	}
	c.JSON(statusFor(typed.Kind), gin.H{"error": typed})
}
