package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mapwall/internal/middleware"
	"mapwall/internal/service"
)

func (h HandlerSet) Status(c *gin.Context) {
	status, err := h.deps.Status.GetStatus(c.Request.Context(), c.Param("jobId"), middleware.Identity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, status)
}

// Download lists a completed job's images, or streams one PNG when a single
// device is selected and download is requested. A valid expires/signature
// pair stands in for the owner's session.
func (h HandlerSet) Download(c *gin.Context) {
	req := service.DownloadRequest{
		JobID:     c.Param("jobId"),
		Device:    c.Query("device"),
		Requester: middleware.Identity(c),
	}

	if sig := c.Query("signature"); sig != "" {
		if err := h.deps.Signer.Verify(req.JobID, req.Device, c.Query("expires"), sig); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid download signature"})
			return
		}
		req.Granted = true
	}

	direct := wantsDownload(c.Query("download"))
	if direct && req.Device == "" {
		images, err := h.deps.Status.ListDownloads(c.Request.Context(), req)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if len(images) != 1 {
			c.JSON(http.StatusOK, gin.H{"jobId": req.JobID, "images": images})
			return
		}
		req.Device = images[0].Device
	}

	if direct {
		img, data, err := h.deps.Status.Fetch(c.Request.Context(), req)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", img.Filename()))
		c.Header("Cache-Control", "private, max-age=3600")
		c.Data(http.StatusOK, "image/png", data)
		return
	}

	images, err := h.deps.Status.ListDownloads(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": req.JobID, "images": images})
}

func wantsDownload(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
