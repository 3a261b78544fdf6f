package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
)

// regenerateRequest is the body of POST /regenerate-variants.  Both fields
// are optional; an empty body scans every asset needing processing.
type regenerateRequest struct {
	MediaID         string `json:"mediaId"`
	ForceRegenerate bool   `json:"forceRegenerate"`
	Limit           int    `json:"limit"`
}

// batchResponse mirrors core.BatchSummary for the wire.
type batchResponse struct {
	Success      bool               `json:"success"`
	RunID        string             `json:"runId,omitempty"`
	Processed    int                `json:"processed"`
	SuccessCount int                `json:"successCount"`
	ErrorCount   int                `json:"errorCount"`
	PartialCount int                `json:"partialCount"`
	ErrorDetails []core.ErrorDetail `json:"errorDetails,omitempty"`
	DurationMs   int64              `json:"durationMs"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRegenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	s.runScan(c, core.Filter{
		MediaID: strings.TrimSpace(req.MediaID),
		Force:   req.ForceRegenerate,
		Limit:   req.Limit,
	})
}

func (s *Server) handleFixBatch(c *gin.Context) {
	f := core.Filter{}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	s.runScan(c, f)
}

func (s *Server) runScan(c *gin.Context, f core.Filter) {
	ctx := c.Request.Context()
	if s.opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ScanTimeout)
		defer cancel()
	}

	sum, err := s.opts.Reconciler.ScanAndRepair(ctx, f)
	if err != nil {
		s.logger.Error("scan failed", "media_id", f.MediaID, "error", err.Error())
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, batchResponse{
		Success:      true,
		RunID:        sum.RunID,
		Processed:    sum.Processed,
		SuccessCount: sum.SuccessCount,
		ErrorCount:   sum.ErrorCount,
		PartialCount: sum.PartialCount,
		ErrorDetails: sum.ErrorDetails,
		DurationMs:   sum.Duration.Milliseconds(),
	})
}

// handleCreated is the post-create hook.  Processing happens in the
// background so the write that triggered it is never blocked.
func (s *Server) handleCreated(c *gin.Context) {
	id := c.Param("id")
	if err := s.opts.Reconciler.EnqueueByID(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "id": id})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Metrics.Snapshot())
}

func (s *Server) handleObject(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	rc, err := s.opts.Objects.Get(c.Request.Context(), key)
	if err != nil {
		c.Status(statusFor(err))
		return
	}
	defer rc.Close()

	meta, err := s.opts.Objects.Meta(key)
	if err != nil {
		s.logger.Warn("object served without side-car metadata", "key", key, "error", err.Error())
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if meta.CacheControl != "" {
		c.Header("Cache-Control", meta.CacheControl)
	}
	size := meta.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, contentType, rc, nil)
}

// statusFor maps error classes onto HTTP status codes.  Everything that is
// not a caller mistake is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrQueueFull):
		return http.StatusServiceUnavailable
	case apperrors.IsCategory(err, apperrors.CategoryInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
