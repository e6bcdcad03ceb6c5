package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mapwall/internal/apperr"
	"mapwall/internal/repository"
	"mapwall/internal/service"
)

// respondError maps service errors onto status codes. Anything unexpected
// is logged and answered with a generic 500.
func (h HandlerSet) respondError(c *gin.Context, err error) {
	var (
		validation *apperr.ValidationError
		authz      *apperr.AuthorizationError
		limited    *apperr.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &authz):
		code := http.StatusForbidden
		if authz.Unauthenticated {
			code = http.StatusUnauthorized
		}
		c.JSON(code, gin.H{"error": authz.Error()})
	case errors.As(err, &limited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": limited.Error(), "resetAt": limited.ResetAt.UTC()})
	case errors.Is(err, repository.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, service.ErrImageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrJobNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
