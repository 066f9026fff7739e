package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIKeyHeader carries the shared secret for the /api routes
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests whose X-API-Key does not match key.
// An empty key disables the check.
func APIKeyAuth(key string) gin.HandlerFunc {
	if key == "" {
		return passThrough
	}
	expected := []byte(key)

	return func(c *gin.Context) {
		provided := c.GetHeader(APIKeyHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			logger.FromGin(c).Warn("Rejected API request",
				zap.String("path", c.FullPath()),
				zap.Bool("key_present", provided != ""),
			)
			c.Set(ErrorCodeKey, shared.CodeUnauthorized)
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewErrorResponseWithRequestID(
				shared.CodeUnauthorized,
				"Missing or invalid API key",
				GetRequestID(c),
			))
			return
		}
		c.Next()
	}
}
