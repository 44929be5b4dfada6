package middlewares

import (
	"strconv"

	"github.com/freshcart/storefront_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestContextMiddleware lifts the acting user, client IP and correlation
// id into the request context. Authentication itself is owned by the
// storefront gateway; we trust its forwarded identity headers here.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if v := c.Request.Header.Get("X-User-Id"); v != "" {
			if userId, err := strconv.Atoi(v); err == nil && userId > 0 {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}
		if v := c.Request.Header.Get("X-User-Name"); v != "" {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		if v := c.Request.Header.Get("X-Is-Admin"); v == "true" || v == "1" {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		ctx = utils.SetClientIpInContext(ctx, c.ClientIP())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
