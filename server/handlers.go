package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/version"
)

// Health statuses.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

type healthResponse struct {
	Status   string                  `json:"status"`
	Version  string                  `json:"version"`
	Commit   string                  `json:"commit"`
	Database string                  `json:"database"`
	Redis    string                  `json:"redis,omitempty"`
	Jobs     map[async.JobStatus]int `json:"jobs,omitempty"`
	Workers  *jobs.SystemMetrics     `json:"workers,omitempty"`
}

// health answers 200 while the job store is reachable and 503 otherwise.
// An unreachable redis degrades the status without changing the code.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := healthResponse{
		Status:   healthOK,
		Version:  info.Version,
		Commit:   info.Short(),
		Database: healthOK,
	}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := h.Store.DB().PingContext(ctx); err != nil {
		h.log.Warnw("Health check: database unreachable", logger.FieldError, err)
		resp.Status = healthDegraded
		resp.Database = err.Error()
		code = http.StatusServiceUnavailable
	} else if counts, err := h.Store.Stats(ctx); err == nil {
		resp.Jobs = counts
	}

	if h.Redis != nil {
		resp.Redis = healthOK
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			h.log.Warnw("Health check: redis unreachable", logger.FieldError, err)
			resp.Status = healthDegraded
			resp.Redis = err.Error()
		}
	}

	if h.Pool != nil {
		m := h.Pool.GetSystemMetrics()
		resp.Workers = &m
	}

	writeJSON(w, code, resp)
}

// listJobs serves GET /jobs?status=&name=&limit=, newest first.
func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.ListFilter{
		Name:  q.Get("name"),
		Limit: parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	}
	if status := q.Get("status"); status != "" {
		if !async.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, "Invalid status: "+status)
			return
		}
		filter.Status = async.JobStatus(status)
	}
	if raw := q.Get("source_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid source_id: "+raw)
			return
		}
		filter.SourceID = &id
	}
	filter.IncludeHidden = q.Get("hidden") == "true"

	list, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeWrappedError(w, h.log, err, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// getJob serves GET /jobs/{id}.
func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job ID: "+raw)
		return
	}
	job, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job "+raw+" not found")
			return
		}
		writeWrappedError(w, h.log, err, "failed to get job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
