package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/cron"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// CronHandler holds dependencies for cron job HTTP handlers
type CronHandler struct {
	scheduler *cron.Scheduler
}

// NewCronHandler creates a new cron job HTTP handler
func NewCronHandler(scheduler *cron.Scheduler) *CronHandler {
	return &CronHandler{
		scheduler: scheduler,
	}
}

type jobView struct {
	*models.CronJob
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

func (h *CronHandler) view(job *models.CronJob) jobView {
	return jobView{CronJob: job, NextRunAt: h.scheduler.NextRunTime(job.ID)}
}

// ListJobs handles GET /v1/cron
func (h *CronHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []jobView{}
	for _, job := range h.scheduler.Store().List() {
		jobs = append(jobs, h.view(job))
	}
	writeJSON(w, http.StatusOK, jobs)
}

// CreateJob handles POST /v1/cron
func (h *CronHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCronJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.scheduler.CreateJob(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(job))
}

// GetJob handles GET /v1/cron/{id}
func (h *CronHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := h.scheduler.Store().Get(id)
	if !ok {
		writeError(w, apperr.NotFound("cron job", id))
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

// UpdateJob handles PATCH /v1/cron/{id}
func (h *CronHandler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateCronJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.scheduler.UpdateJob(mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

// DeleteJob handles DELETE /v1/cron/{id}
func (h *CronHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.DeleteJob(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunJob handles POST /v1/cron/{id}/run
func (h *CronHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.RunNow(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListExecutions handles GET /v1/cron/{id}/executions
func (h *CronHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Executions(mux.Vars(r)["id"]))
}
