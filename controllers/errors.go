package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/middlewares"
	"storefront/services"
)

func statusFor(kind error) int {
	switch kind {
	case services.ErrNotFound:
		return http.StatusNotFound
	case services.ErrInvalidState, services.ErrSignatureInvalid:
		return http.StatusBadRequest
	case services.ErrAuthorizationDenied:
		return http.StatusForbidden
	case services.ErrTransactionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the service error as {"error", "reason"?}. Causes are
// logged, never returned.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		log.Error("request failed", "path", c.FullPath(), "err", err)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	status := statusFor(svcErr.Kind)
	if status == http.StatusInternalServerError || svcErr.Kind == services.ErrTransactionFailed {
		log.Error("request failed", "path", c.FullPath(), "err", errors.Unwrap(svcErr))
	}

	body := gin.H{"error": svcErr.Message}
	if svcErr.Reason != "" {
		body["reason"] = svcErr.Reason
	}
	c.JSON(status, body)
}

func actor(c *gin.Context) (services.Actor, bool) {
	claims, ok := middlewares.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return services.Actor{}, false
	}
	return services.Actor{UserID: claims.UserID, IsAdmin: claims.IsAdmin()}, true
}

func recordOperation(c *gin.Context, operation string) {
	status := c.Writer.Status() >= 200 && c.Writer.Status() < 300
	middlewares.RecordOrderOperation(operation, status)
}
