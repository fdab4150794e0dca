package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/repository"
)

type callbackHandler struct {
	jobs       *jobengine.Engine
	images     *imagesync.Syncer
	updateJobs repository.AgentUpdateJobRepository
	log        *zap.Logger
}

// Job handles POST /callbacks/job/{id} — an agent's asynchronous report
// that a deploy/destroy/node-action job it accepted has finished.
func (h *callbackHandler) Job(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}
	var payload jobengine.CallbackPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := h.jobs.HandleCallback(r.Context(), id, payload); err != nil {
		h.writeJobError(w, err)
		return
	}
	NoContent(w)
}

type deadLetterBody struct {
	Message string `json:"message"`
}

// DeadLetter handles POST /callbacks/dead-letter/{id} — an agent's
// last-resort report that normal callback delivery failed.
func (h *callbackHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}
	var body deadLetterBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.jobs.HandleDeadLetter(r.Context(), id, body.Message); err != nil {
		h.writeJobError(w, err)
		return
	}
	NoContent(w)
}

type updateCallbackBody struct {
	Status       string `json:"status"` // "in_progress", "completed", "failed"
	ErrorMessage string `json:"error_message,omitempty"`
}

// Update handles POST /callbacks/update/{id} — an agent reporting progress
// on an AgentUpdateJob it is carrying out.
func (h *callbackHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid update job id")
		return
	}
	var body updateCallbackBody
	if !decodeJSON(w, r, &body) {
		return
	}

	job, err := h.updateJobs.GetPendingForAgent(r.Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			ErrNotFound(w)
			return
		}
		h.log.Error("load agent update job", zap.Error(err))
		ErrInternal(w)
		return
	}

	job.Status = body.Status
	job.ErrorMessage = body.ErrorMessage
	if body.Status == "completed" || body.Status == "failed" {
		now := time.Now()
		job.CompletedAt = &now
	}
	if err := h.updateJobs.Update(r.Context(), job); err != nil {
		h.log.Error("update agent update job", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *callbackHandler) writeJobError(w http.ResponseWriter, err error) {
	kind, _ := errkind.Of(err)
	h.log.Warn("callback rejected", zap.Error(err))
	ErrFromKind(w, kind, err.Error())
}
