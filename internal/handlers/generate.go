package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mapwall/internal/middleware"
	"mapwall/internal/models"
	"mapwall/internal/service"
)

type generateResponse struct {
	JobID   string           `json:"jobId"`
	Status  models.JobStatus `json:"status"`
	Message string           `json:"message"`
}

func (h HandlerSet) Generate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job, err := h.deps.Generate.Submit(c.Request.Context(), middleware.Identity(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, generateResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "wallpaper generation queued",
	})
}
