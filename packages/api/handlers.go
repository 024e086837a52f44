// Package api exposes the run control endpoints and both event streams over
// HTTP.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/execution"
	"github.com/dentix-ortho/goaltest-server/packages/sse"
	"github.com/dentix-ortho/goaltest-server/packages/stream"
)

type Handler struct {
	log        *zap.Logger
	controller *execution.Controller
	live       *stream.Manager
	presets    *config.PresetWatcher
}

func NewHandler(log *zap.Logger, controller *execution.Controller, live *stream.Manager, presets *config.PresetWatcher) *Handler {
	return &Handler{
		log:        log,
		controller: controller,
		live:       live,
		presets:    presets,
	}
}

// Health endpoint for checking server status
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

type sandboxSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Sandboxes lists the configured environment presets without credentials.
func (h *Handler) Sandboxes(c *gin.Context) {
	out := []sandboxSummary{}
	if h.presets != nil {
		for _, sb := range h.presets.Sandboxes() {
			out = append(out, sandboxSummary{ID: sb.ID, Name: sb.Name})
		}
	}
	common.JSON(c, http.StatusOK, gin.H{"sandboxes": out})
}

func (h *Handler) StartRun(c *gin.Context) {
	var req execution.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log.Error("Failed to parse request body", zap.Error(err))
		writeError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.controller.Start(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.JSON(c, http.StatusOK, gin.H{
		"success":     true,
		"runId":       res.RunID,
		"concurrency": res.Concurrency,
		"mode":        res.Mode,
		"environment": res.Environment,
	})
}

func (h *Handler) StopRun(c *gin.Context) {
	if err := h.controller.Stop(c.Param("runId")); err != nil {
		h.fail(c, err)
		return
	}
	common.JSON(c, http.StatusOK, gin.H{"success": true})
}

func (h *Handler) PauseRun(c *gin.Context) {
	res, err := h.controller.Pause(c.Param("runId"))
	h.signalResponse(c, res, err)
}

func (h *Handler) ResumeRun(c *gin.Context) {
	res, err := h.controller.Resume(c.Param("runId"))
	h.signalResponse(c, res, err)
}

func (h *Handler) signalResponse(c *gin.Context, res execution.SignalResult, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	common.JSON(c, http.StatusOK, gin.H{
		"success":         true,
		"status":          res.Status,
		"signalSupported": res.SignalSupported,
	})
}

func (h *Handler) ActiveRun(c *gin.Context) {
	common.JSON(c, http.StatusOK, h.controller.Active())
}

func (h *Handler) Conversation(c *gin.Context) {
	conv, err := h.controller.Conversation(c.Param("runId"), c.Param("testId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.JSON(c, http.StatusOK, conv)
}

// RunEvents streams the push events of one live run until the run ends or
// the client disconnects.
func (h *Handler) RunEvents(c *gin.Context) {
	runID := c.Param("runId")
	conn := sse.NewConn(uuid.NewString(), 0)
	if err := h.controller.Attach(runID, conn); err != nil {
		h.fail(c, err)
		return
	}

	reason := conn.Serve(c)
	h.controller.Detach(runID, conn.ID())
	h.log.Debug("Run event stream ended",
		zap.String("run_id", runID),
		zap.String("conn_id", conn.ID()),
		zap.String("reason", reason))
}

// LiveResults streams persisted results, findings and, with ?testId=, the
// transcript of one test until the run is terminal, the stream idles out or
// the client disconnects.
func (h *Handler) LiveResults(c *gin.Context) {
	runID, testID := c.Param("runId"), c.Query("testId")
	conn := sse.NewConn(uuid.NewString(), 0)
	h.live.Attach(runID, testID, conn)

	reason := conn.Serve(c)
	h.live.Detach(runID, testID, conn.ID())
	h.log.Debug("Live result stream ended",
		zap.String("run_id", runID),
		zap.String("test_id", testID),
		zap.String("conn_id", conn.ID()),
		zap.String("reason", reason))
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, execution.ErrRunNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, execution.ErrInvalidState), errors.Is(err, execution.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}

func writeError(c *gin.Context, code int, msg string) {
	common.JSON(c, code, gin.H{
		"success": false,
		"error":   msg,
	})
}
