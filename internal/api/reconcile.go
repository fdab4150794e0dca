package api

import (
	"context"
	"net/http"
	"time"

	"github.com/netlabio/controller/internal/reconciler"
)

type reconcileHandler struct {
	reconciler *reconciler.Reconciler
}

// Trigger handles POST /reconcile — an operator-initiated out-of-cycle
// reconciliation pass, run detached from the request so a slow multi-lab
// sweep doesn't hold the connection open.
func (h *reconcileHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		h.reconciler.RunOnce(ctx)
	}()
	Ok(w, map[string]string{"status": "triggered"})
}
