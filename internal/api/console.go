package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/repository"
)

type consoleHandler struct {
	placements repository.NodePlacementRepository
	agents     repository.AgentRepository
	log        *zap.Logger

	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

// proxy returns the handler for GET /console/{labID}/{node}. Browsers
// cannot set a custom header on a WebSocket upgrade request, so the token
// travels as a query parameter and is checked here rather than in
// middleware — an empty token disables the gate, same convention as
// RequireBearerToken.
func (h *consoleHandler) proxy(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.URL.Query().Get("token") != token {
			ErrUnauthorized(w)
			return
		}

		labID, err := uuid.Parse(chi.URLParam(r, "labID"))
		if err != nil {
			ErrBadRequest(w, "invalid lab id")
			return
		}
		node := chi.URLParam(r, "node")

		placement, err := h.placements.GetByLabAndNode(r.Context(), labID, node)
		if err != nil {
			writeRepoError(w, err)
			return
		}
		agent, err := h.agents.GetByID(r.Context(), placement.HostID)
		if err != nil {
			writeRepoError(w, err)
			return
		}

		upstreamURL := agentclient.ConsoleURL(agent.Address, labID.String(), node)
		upstream, _, err := h.dialer.Dial(upstreamURL, nil)
		if err != nil {
			h.log.Error("dial agent console", zap.String("agent", agent.Name), zap.Error(err))
			ErrFromKind(w, errkind.AgentUnavailable, "console unavailable")
			return
		}
		defer upstream.Close()

		client, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("upgrade console client", zap.Error(err))
			return
		}
		defer client.Close()

		h.relay(client, upstream)
	}
}

// relay pumps frames in both directions until either side closes or errors.
// It is not byte-perfect terminal multiplexing — each WebSocket frame is
// forwarded whole, matching how the agent's PTY bridge already chunks
// output.
func (h *consoleHandler) relay(client, upstream *websocket.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			mt, data, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			if err := client.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		if err := upstream.WriteMessage(mt, data); err != nil {
			break
		}
	}

	upstream.Close()
	<-done
}
