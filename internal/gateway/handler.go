package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tangjunyou/prompt-faster-sub001/internal/auth"
	"github.com/tangjunyou/prompt-faster-sub001/internal/checkpoint"
	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
	"github.com/tangjunyou/prompt-faster-sub001/internal/orchestration"
	"github.com/tangjunyou/prompt-faster-sub001/internal/pause"
	"github.com/tangjunyou/prompt-faster-sub001/internal/recovery"
	"github.com/tangjunyou/prompt-faster-sub001/internal/storage"
)

// TaskStore is the task read side the handler needs
type TaskStore interface {
	Authorizer
	LoadContext(ctx context.Context, taskID string) (*models.OptimizationContext, error)
}

// LoopRunner starts background optimization loops
type LoopRunner interface {
	Start(octx *models.OptimizationContext) error
	IsRunning(taskID string) bool
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	recovery    *recovery.Service
	checkpoints *checkpoint.Service
	runner      LoopRunner
	registry    *pause.Registry
	tasks       TaskStore
	logger      *logging.Logger
}

// NewHandler creates a new gateway handler
func NewHandler(recoverySvc *recovery.Service, checkpoints *checkpoint.Service, runner LoopRunner, registry *pause.Registry, tasks TaskStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		recovery:    recoverySvc,
		checkpoints: checkpoints,
		runner:      runner,
		registry:    registry,
		tasks:       tasks,
		logger:      logger.Named("handler"),
	}
}

// RegisterRoutes mounts the task, checkpoint and recovery routes on an
// authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/tasks/unfinished", h.ListUnfinishedTasks)
	rg.POST("/tasks/:id/run", h.RunTask)
	rg.POST("/tasks/:id/stop", h.StopTask)
	rg.POST("/tasks/:id/recover", h.RecoverTask)
	rg.POST("/tasks/:id/recovery/abort", h.AbortRecovery)
	rg.GET("/tasks/:id/pause-state", h.GetPauseState)
	rg.GET("/tasks/:id/checkpoints", h.ListCheckpoints)
	rg.POST("/tasks/:id/rollback", h.RollbackTask)
	rg.GET("/checkpoints/:id", h.GetCheckpoint)
	rg.GET("/recovery/metrics", h.GetRecoveryMetrics)
}

// RunResponse acknowledges a started loop
type RunResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RecoverRequest optionally names the checkpoint to resume from
type RecoverRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

// RecoverResponse describes the checkpoint a recovered loop resumed from
type RecoverResponse struct {
	TaskID       string                 `json:"task_id"`
	CheckpointID string                 `json:"checkpoint_id"`
	Iteration    int                    `json:"iteration"`
	State        models.IterationState  `json:"state"`
	RunControl   models.RunControlState `json:"run_control_state"`
}

// StopResponse reports whether a stop request changed anything
type StopResponse struct {
	TaskID  string `json:"task_id"`
	Applied bool   `json:"applied"`
}

// RollbackRequest names the checkpoint to restore
type RollbackRequest struct {
	CheckpointID string `json:"checkpoint_id" binding:"required"`
	Reason       string `json:"reason"`
	Description  string `json:"description"`
}

// UnfinishedTasksResponse lists the caller's recoverable tasks
type UnfinishedTasksResponse struct {
	Tasks []models.UnfinishedTask `json:"tasks"`
}

// ListUnfinishedTasks godoc
// @Summary List unfinished tasks
// @Description Tasks whose latest checkpoint is not terminal and which have no loop running
// @Tags recovery
// @Produce json
// @Success 200 {object} UnfinishedTasksResponse
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/unfinished [get]
func (h *Handler) ListUnfinishedTasks(c *gin.Context) {
	tasks, err := h.recovery.DetectUnfinishedTasks(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, UnfinishedTasksResponse{Tasks: tasks})
}

// RunTask godoc
// @Summary Start a run
// @Description Start a fresh optimization loop for the task in the background
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 202 {object} RunResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/run [post]
func (h *Handler) RunTask(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")
	if !h.owns(c, taskID) {
		return
	}

	octx, err := h.tasks.LoadContext(ctx, taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.runner.Start(octx); err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.WithTaskID(taskID).Info("run requested", "user_id", auth.UserID(c))
	c.JSON(http.StatusAccepted, RunResponse{TaskID: taskID, Status: string(models.RunControlRunning)})
}

// RecoverTask godoc
// @Summary Recover a task
// @Description Resume from the named checkpoint or from the latest valid one
// @Tags recovery
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Param request body RecoverRequest false "Checkpoint to resume from"
// @Success 202 {object} RecoverResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/recover [post]
func (h *Handler) RecoverTask(c *gin.Context) {
	var req RecoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
			return
		}
	}

	cp, err := h.recovery.RecoverTask(c.Request.Context(), auth.UserID(c), c.Param("id"), req.CheckpointID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RecoverResponse{
		TaskID:       cp.TaskID,
		CheckpointID: cp.ID,
		Iteration:    cp.Iteration,
		State:        cp.State,
		RunControl:   models.RunControlRunning,
	})
}

// AbortRecovery godoc
// @Summary Abort a pending recovery
// @Tags recovery
// @Param id path string true "Task ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/recovery/abort [post]
func (h *Handler) AbortRecovery(c *gin.Context) {
	if err := h.recovery.AbortRecovery(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopTask godoc
// @Summary Stop a running task
// @Description The loop ends at its next safe point with state user_stopped
// @Tags tasks
// @Produce json
// @Param id path string true "Task ID"
// @Success 202 {object} StopResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/stop [post]
func (h *Handler) StopTask(c *gin.Context) {
	taskID := c.Param("id")
	if !h.owns(c, taskID) {
		return
	}

	ctrl, ok := h.registry.Get(taskID)
	if !ok || !h.runner.IsRunning(taskID) {
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "Task is not running", Code: models.ErrCodeInvalidTransition})
		return
	}
	applied := ctrl.RequestStop(uuid.NewString(), auth.UserID(c))
	c.JSON(http.StatusAccepted, StopResponse{TaskID: taskID, Applied: applied})
}

// GetPauseState godoc
// @Summary Get pause state
// @Tags recovery
// @Produce json
// @Param id path string true "Task ID"
// @Success 200 {object} models.PauseSnapshot
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/pause-state [get]
func (h *Handler) GetPauseState(c *gin.Context) {
	snap, err := h.recovery.PauseState(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListCheckpoints godoc
// @Summary List checkpoints
// @Description Newest first. Archived checkpoints are included on request.
// @Tags checkpoints
// @Produce json
// @Param id path string true "Task ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Param include_archived query bool false "Include archived checkpoints"
// @Success 200 {object} models.CheckpointPage
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/checkpoints [get]
func (h *Handler) ListCheckpoints(c *gin.Context) {
	taskID := c.Param("id")
	if !h.owns(c, taskID) {
		return
	}

	opts := checkpoint.ListOptions{
		Limit:  queryInt(c, "limit", checkpoint.DefaultPageSize),
		Offset: queryInt(c, "offset", 0),
	}
	opts.IncludeArchived, _ = strconv.ParseBool(c.Query("include_archived"))

	page, err := h.checkpoints.List(c.Request.Context(), taskID, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetCheckpoint godoc
// @Summary Inspect a checkpoint
// @Description integrity_ok reports whether the stored checksum still matches
// @Tags checkpoints
// @Produce json
// @Param id path string true "Checkpoint ID"
// @Success 200 {object} models.Checkpoint
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /checkpoints/{id} [get]
func (h *Handler) GetCheckpoint(c *gin.Context) {
	ctx := c.Request.Context()
	cp, err := h.checkpoints.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok, err := h.tasks.IsOwner(ctx, auth.UserID(c), cp.TaskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		h.writeError(c, checkpoint.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// RollbackTask godoc
// @Summary Roll back to a checkpoint
// @Description Archives later checkpoints of the same branch and opens a new branch from the target
// @Tags checkpoints
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Param request body RollbackRequest true "Rollback target"
// @Success 201 {object} models.Checkpoint
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /tasks/{id}/rollback [post]
func (h *Handler) RollbackTask(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	taskID := c.Param("id")
	if !h.owns(c, taskID) {
		return
	}
	if h.runner.IsRunning(taskID) {
		h.writeError(c, orchestration.ErrTaskAlreadyRunning)
		return
	}

	restored, err := h.checkpoints.Rollback(c.Request.Context(), taskID, req.CheckpointID, req.Reason, req.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, restored)
}

// GetRecoveryMetrics godoc
// @Summary Recovery metrics
// @Tags recovery
// @Produce json
// @Success 200 {object} models.RecoveryMetrics
// @Security BearerAuth
// @Router /recovery/metrics [get]
func (h *Handler) GetRecoveryMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.Metrics())
}

// owns writes a 404 and returns false unless the caller owns the task
func (h *Handler) owns(c *gin.Context, taskID string) bool {
	ok, err := h.tasks.IsOwner(c.Request.Context(), auth.UserID(c), taskID)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !ok {
		h.writeError(c, recovery.ErrTaskNotFound)
		return false
	}
	return true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed", "path", c.FullPath())
	}
	c.JSON(status, resp)
}

func errorResponse(err error) (int, models.ErrorResponse) {
	var transition *models.TransitionError
	switch {
	case errors.Is(err, recovery.ErrTaskNotFound), errors.Is(err, storage.ErrTaskNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: "Task not found", Code: models.ErrCodeTaskNotFound}
	case errors.Is(err, recovery.ErrCheckpointNotFound), errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: "Checkpoint not found", Code: models.ErrCodeCheckpointNotFound}
	case errors.Is(err, recovery.ErrPauseStateNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: "Task is not paused", Code: models.ErrCodePauseStateNotFound}
	case errors.Is(err, recovery.ErrNoValidCheckpoint), errors.Is(err, checkpoint.ErrInvalid):
		return http.StatusUnprocessableEntity, models.ErrorResponse{Error: "No valid checkpoint", Code: models.ErrCodeNoValidCheckpoint}
	case errors.Is(err, recovery.ErrTaskFinished):
		return http.StatusConflict, models.ErrorResponse{Error: "Task already finished", Code: models.ErrCodeTaskFinished}
	case errors.Is(err, orchestration.ErrTaskAlreadyRunning):
		return http.StatusConflict, models.ErrorResponse{Error: "Task is already running", Code: models.ErrCodeTaskAlreadyRunning}
	case errors.Is(err, checkpoint.ErrArchived):
		return http.StatusConflict, models.ErrorResponse{Error: "Checkpoint is archived", Code: models.ErrCodeInvalidRequest}
	case errors.As(err, &transition):
		return http.StatusConflict, models.ErrorResponse{Error: transition.Error(), Code: models.ErrCodeInvalidTransition}
	case orchestration.IsInvalidRequest(err):
		return http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeInvalidRequest}
	case errors.Is(err, orchestration.ErrRunnerClosed):
		return http.StatusServiceUnavailable, models.ErrorResponse{Error: "Server is shutting down", Code: models.ErrCodeInternalError}
	}
	return http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Code: models.ErrCodeInternalError}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
