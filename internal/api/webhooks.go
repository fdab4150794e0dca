package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/webhook"
)

type webhookHandler struct {
	webhooks   repository.WebhookRepository
	dispatcher *webhook.Dispatcher
	log        *zap.Logger
}

type webhookBody struct {
	OwnerID string          `json:"owner_id"`
	LabID   *uuid.UUID      `json:"lab_id,omitempty"`
	URL     string          `json:"url"`
	Secret  string          `json:"secret,omitempty"`
	Events  []string        `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// Create handles POST /webhooks.
func (h *webhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body webhookBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.OwnerID == "" || body.URL == "" || len(body.Events) == 0 {
		ErrBadRequest(w, "owner_id, url, and events are required")
		return
	}

	wh := &db.Webhook{
		OwnerID: body.OwnerID,
		LabID:   body.LabID,
		URL:     body.URL,
		Secret:  db.EncryptedString(body.Secret),
		Events:  marshalStrings(body.Events),
		Headers: marshalStringMap(body.Headers),
		Enabled: true,
	}
	if body.Enabled != nil {
		wh.Enabled = *body.Enabled
	}
	if err := h.webhooks.Create(r.Context(), wh); err != nil {
		h.log.Error("create webhook", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, wh)
}

// List handles GET /webhooks.
func (h *webhookHandler) List(w http.ResponseWriter, r *http.Request) {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		hooks, err := h.webhooks.ListByOwner(r.Context(), owner)
		if err != nil {
			h.log.Error("list webhooks by owner", zap.Error(err))
			ErrInternal(w)
			return
		}
		Ok(w, listResponse{Items: hooks, Total: int64(len(hooks))})
		return
	}

	opts := paginationFromQuery(r)
	hooks, total, err := h.webhooks.List(r.Context(), opts)
	if err != nil {
		h.log.Error("list webhooks", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listResponse{Items: hooks, Total: total})
}

// Get handles GET /webhooks/{id}.
func (h *webhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.webhookID(r)
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	wh, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	Ok(w, wh)
}

// Update handles PATCH /webhooks/{id}.
func (h *webhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := h.webhookID(r)
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	wh, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	var body webhookBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.URL != "" {
		wh.URL = body.URL
	}
	if body.Secret != "" {
		wh.Secret = db.EncryptedString(body.Secret)
	}
	if len(body.Events) > 0 {
		wh.Events = marshalStrings(body.Events)
	}
	if body.Headers != nil {
		wh.Headers = marshalStringMap(body.Headers)
	}
	if body.Enabled != nil {
		wh.Enabled = *body.Enabled
	}

	if err := h.webhooks.Update(r.Context(), wh); err != nil {
		writeRepoError(w, err)
		return
	}
	Ok(w, wh)
}

// Delete handles DELETE /webhooks/{id}.
func (h *webhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := h.webhookID(r)
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}
	NoContent(w)
}

type webhookTestResponse struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// Test handles POST /webhooks/{id}/test — a synthetic delivery bypassing
// event matching, so a caller can verify a newly registered endpoint and
// secret before relying on it.
func (h *webhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, err := h.webhookID(r)
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	wh, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	success, code, errMsg := h.dispatcher.Test(r.Context(), *wh)
	Ok(w, webhookTestResponse{Success: success, StatusCode: code, Error: errMsg})
}

func (h *webhookHandler) webhookID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}
