// This file implements the HTTP job trigger.
//
// The route group is guarded by the X-Cron-Secret middleware; an external
// scheduler (cron, uptime pinger) POSTs the task name and gets back the
// affected count. The same dispatcher backs the Lambda entry point.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/core"
	"leadscout/internal/types"
)

// JobDispatcher runs one scheduled maintenance task to completion and
// reports how many rows it affected. Implemented by scheduler.Dispatcher,
// which also handles the run lock and history bookkeeping.
type JobDispatcher interface {
	Run(ctx context.Context, task types.JobTask) (int64, error)
}

// JobsHandler exposes the scheduled jobs over HTTP.
type JobsHandler struct {
	dispatcher JobDispatcher
	logger     *slog.Logger
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(dispatcher JobDispatcher, logger *slog.Logger) *JobsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes mounts the job trigger on the /internal/jobs router group.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{task}", h.Trigger)
}

// JobResponse reports the outcome of one triggered run.
type JobResponse struct {
	Task     types.JobTask `json:"task"`
	Affected int64         `json:"affected"`
}

// Trigger handles POST /internal/jobs/{task}.
func (h *JobsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	task := types.JobTask(chi.URLParam(r, "task"))
	switch task {
	case types.TaskSweepGrace, types.TaskApplyDowngrades, types.TaskPruneUsageLedger:
	default:
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"unknown job task: "+string(task), nil))
		return
	}

	affected, err := h.dispatcher.Run(r.Context(), task)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "job run failed",
			slog.String("task", string(task)),
			slog.String("error", err.Error()),
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "job run completed",
		slog.String("task", string(task)),
		slog.Int64("affected", affected),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: JobResponse{Task: task, Affected: affected}})
}
