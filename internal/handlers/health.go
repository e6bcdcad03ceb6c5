package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Cache       string `json:"cache"`
	Environment string `json:"environment"`
}

func (h HandlerSet) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Cache: "ok", Environment: h.deps.Environment}
	code := http.StatusOK

	if err := h.deps.Database.Ping(ctx); err != nil {
		resp.Database = "error"
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
		h.log.Error().Err(err).Msg("database ping failed")
	}

	if err := h.deps.Redis.Ping(ctx); err != nil {
		resp.Cache = "error"
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
		h.log.Error().Err(err).Msg("redis ping failed")
	}

	c.JSON(code, resp)
}
