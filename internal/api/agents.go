package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/registry"
	"github.com/netlabio/controller/internal/repository"
)

type agentHandler struct {
	registry *registry.Registry
	agents   repository.AgentRepository
	images   *imagesync.Syncer
	log      *zap.Logger
}

type registerRequestBody struct {
	Agent registry.RegisterRequest `json:"agent"`
	Token string                   `json:"token,omitempty"`
}

type registerResponseBody struct {
	Success    bool   `json:"success"`
	AssignedID string `json:"assigned_id,omitempty"`
	Message    string `json:"message"`
}

// Register handles POST /agents/register.
func (h *agentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Agent.Name == "" || body.Agent.Address == "" {
		ErrBadRequest(w, "agent.name and agent.address are required")
		return
	}

	result, err := h.registry.Register(r.Context(), body.Agent)
	if err != nil {
		h.log.Error("register agent", zap.Error(err))
		JSON(w, http.StatusOK, registerResponseBody{Success: false, Message: err.Error()})
		return
	}

	JSON(w, http.StatusOK, registerResponseBody{
		Success:    true,
		AssignedID: result.AssignedID.String(),
		Message:    "registered",
	})

	// Pull-strategy agents reconcile their inventory and fetch anything
	// missing from the manifest as soon as they (re)register, detached from
	// the request since inventory polling can take a while.
	if h.images != nil {
		assignedID := result.AssignedID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			agent, err := h.agents.GetByID(ctx, assignedID)
			if err != nil {
				h.log.Error("load agent for pull-on-registration", zap.String("agent_id", assignedID.String()), zap.Error(err))
				return
			}
			h.images.PullOnRegistration(ctx, agent)
		}()
	}
}

type heartbeatResponseBody struct {
	Acknowledged bool     `json:"acknowledged"`
	PendingJobs  []string `json:"pending_jobs"`
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *agentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}

	var body registry.HeartbeatRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.registry.Heartbeat(r.Context(), id, body)
	if err != nil {
		h.log.Error("record heartbeat", zap.String("agent_id", id.String()), zap.Error(err))
		ErrNotFound(w)
		return
	}

	Ok(w, heartbeatResponseBody{Acknowledged: result.Acknowledged, PendingJobs: result.PendingJobs})
}

// List handles GET /agents.
func (h *agentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationFromQuery(r)
	agents, total, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.log.Error("list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listResponse{Items: agents, Total: total})
}

// Get handles GET /agents/{id}.
func (h *agentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid agent id")
		return
	}
	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	Ok(w, agent)
}

func writeRepoError(w http.ResponseWriter, err error) {
	if err == repository.ErrNotFound {
		ErrNotFound(w)
		return
	}
	ErrFromKind(w, errkind.Internal, err.Error())
}
