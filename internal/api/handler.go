package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/0xPuncker/report-scheduler/internal/dispatcher"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	dispatcher *dispatcher.Dispatcher
	logger     *logrus.Logger
}

// JobResponse is a job definition plus its schedule state.
type JobResponse struct {
	types.JobDefinition
	LastError string `json:"last_error,omitempty"`
}

type SchedulerStatus struct {
	Running    bool `json:"running"`
	ActiveJobs int  `json:"active_jobs"`
	Jobs       int  `json:"jobs"`
}

func NewHandler(d *dispatcher.Dispatcher, logger *logrus.Logger) *Handler {
	return &Handler{dispatcher: d, logger: logger}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.dispatcher.Jobs(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, h.jobResponse(r, job))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.dispatcher.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobResponse(r, job))
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	job, err := decodeJob(r)
	if err != nil {
		h.handleError(w, err)
		return
	}
	created, err := h.dispatcher.Register(r.Context(), job)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.logger.WithField("job_id", created.ID).Info("Job created via API")
	h.writeJSON(w, http.StatusCreated, h.jobResponse(r, created))
}

func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := decodeJob(r)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if job.ID != id {
		h.handleError(w, fmt.Errorf("%w: body id %q does not match path id %q", types.ErrInvalidJob, job.ID, id))
		return
	}
	updated, err := h.dispatcher.Update(r.Context(), job)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobResponse(r, updated))
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EnableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) DisableJob(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	job, err := h.dispatcher.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.jobResponse(r, job))
}

func (h *Handler) JobExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	execs := h.dispatcher.ExecutionsForJob(id)
	// Pruned retry jobs keep their history.
	if len(execs) == 0 {
		if _, err := h.dispatcher.Job(r.Context(), id); err != nil {
			h.handleError(w, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	status := types.ExecutionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusCancelled:
	default:
		h.handleError(w, fmt.Errorf("%w: unknown status %q", types.ErrInvalidJob, status))
		return
	}
	execs := h.dispatcher.Executions(status)
	if execs == nil {
		execs = []types.JobExecution{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.dispatcher.Execution(mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	entries := h.dispatcher.Audit()
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.dispatcher.Jobs(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SchedulerStatus{
		Running:    h.dispatcher.IsRunning(),
		ActiveJobs: h.dispatcher.Running(),
		Jobs:       len(jobs),
	})
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Start(); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler started successfully",
	})
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.dispatcher.Stop()
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler stopped successfully",
	})
}

func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Trigger(r.Context()); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "scheduling pass completed",
		"active_jobs": h.dispatcher.Running(),
	})
}

func (h *Handler) jobResponse(r *http.Request, job types.ScheduledJob) JobResponse {
	resp := JobResponse{JobDefinition: types.DefinitionFromJob(job)}
	if err := h.dispatcher.JobError(r.Context(), job.ID); err != nil && !errors.Is(err, types.ErrJobNotFound) {
		resp.LastError = err.Error()
	}
	return resp
}

func decodeJob(r *http.Request) (types.ScheduledJob, error) {
	var def types.JobDefinition
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return types.ScheduledJob{}, fmt.Errorf("%w: %v", types.ErrInvalidJob, err)
	}
	if def.ID == "" {
		def.ID = mux.Vars(r)["id"]
	}
	// Schedule state and retry lineage are owned by the scheduler.
	def.LastRun = nil
	def.NextRun = nil
	def.CreatedAt = nil
	def.RetryOf = ""
	def.RetryCount = 0
	return def.ToJob()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, types.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateJob),
		errors.Is(err, types.ErrCyclicDependency),
		errors.Is(err, types.ErrDependencyInUse),
		errors.Is(err, types.ErrSchedulerRunning),
		errors.Is(err, types.ErrSchedulerStopped):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidJob),
		errors.Is(err, types.ErrInvalidScheduleExpression),
		errors.Is(err, types.ErrUnknownDependency):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(err)
	} else {
		h.logger.WithField("status", code).Debug(err)
	}
	h.writeJSON(w, code, map[string]string{
		"error": err.Error(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}
