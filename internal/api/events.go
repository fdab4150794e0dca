package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
)

type eventHandler struct {
	nodeStates repository.NodeStateRepository
	nodes      repository.NodeRepository
	log        *zap.Logger
}

// nodeEventBody is a single agent-pushed state delta. Agents push these
// proactively between reconciliation cycles so state changes (a node
// crashing, finishing boot) are reflected without waiting for the next
// poll.
type nodeEventBody struct {
	LabID       uuid.UUID `json:"lab_id"`
	Node        string    `json:"node"`
	ActualState string    `json:"actual_state"`
	IsReady     *bool     `json:"is_ready,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Node handles POST /events/node.
func (h *eventHandler) Node(w http.ResponseWriter, r *http.Request) {
	var body nodeEventBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.applyEvent(r.Context(), body); err != nil {
		h.log.Error("apply node event", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Batch handles POST /events/batch — the same delta shape, applied in bulk.
// Each entry is applied independently so one malformed delta doesn't sink
// the rest of the batch.
func (h *eventHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var body []nodeEventBody
	if !decodeJSON(w, r, &body) {
		return
	}
	for _, ev := range body {
		if err := h.applyEvent(r.Context(), ev); err != nil {
			h.log.Warn("apply batched node event", zap.String("node", ev.Node), zap.Error(err))
		}
	}
	NoContent(w)
}

func (h *eventHandler) applyEvent(ctx context.Context, ev nodeEventBody) error {
	node, err := h.nodes.GetByContainerName(ctx, ev.LabID, ev.Node)
	if err != nil {
		return err
	}

	state, err := h.nodeStates.GetByLabAndNode(ctx, ev.LabID, node.ID)
	if err != nil {
		state = &db.NodeState{LabID: ev.LabID, NodeID: node.ID, NodeName: ev.Node}
	}
	state.ActualState = ev.ActualState
	state.ErrorMessage = ev.Error
	if ev.IsReady != nil {
		state.IsReady = *ev.IsReady
	}
	if ev.ActualState != "running" {
		state.IsReady = false
		state.BootStartedAt = nil
	}
	return h.nodeStates.Upsert(ctx, state)
}
