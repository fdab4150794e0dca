package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/reconciler"
	"github.com/netlabio/controller/internal/registry"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/webhook"
)

// RouterConfig holds every dependency the HTTP surface needs. It is
// populated in cmd/controller/main.go once every component is constructed
// and passed to NewRouter as a single struct to keep that constructor's
// signature manageable as the dependency count grows.
type RouterConfig struct {
	Registry   *registry.Registry
	Jobs       *jobengine.Engine
	Images     *imagesync.Syncer
	Webhooks   *webhook.Dispatcher
	Reconciler *reconciler.Reconciler
	Client     *agentclient.Client

	Agents        repository.AgentRepository
	Labs          repository.LabRepository
	Nodes         repository.NodeRepository
	Links         repository.LinkRepository
	NodeStates    repository.NodeStateRepository
	LinkStates    repository.LinkStateRepository
	Placements    repository.NodePlacementRepository
	JobRepo       repository.JobRepository
	WebhookRepo   repository.WebhookRepository
	UpdateJobRepo repository.AgentUpdateJobRepository
	ImageHosts    repository.ImageHostRepository

	// MetricsHandler serves /metrics. Built by cmd/controller/main.go via
	// promhttp.HandlerFor against the process's Prometheus registry, so this
	// package doesn't need to depend on internal/metrics directly.
	MetricsHandler http.Handler

	Cfg    config.Config
	Logger *zap.Logger
}

// NewRouter builds the fully configured chi router. Agent-facing routes
// (registration, heartbeats, callbacks, events) and client-facing routes
// (lab lifecycle, webhooks, console) are each gated by their own shared
// secret per RequireAgentSecret/RequireBearerToken.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	agents := &agentHandler{registry: cfg.Registry, agents: cfg.Agents, images: cfg.Images, log: cfg.Logger.Named("api.agents")}
	callbacks := &callbackHandler{jobs: cfg.Jobs, images: cfg.Images, updateJobs: cfg.UpdateJobRepo, log: cfg.Logger.Named("api.callbacks")}
	events := &eventHandler{nodeStates: cfg.NodeStates, nodes: cfg.Nodes, log: cfg.Logger.Named("api.events")}
	labs := &labHandler{
		labs: cfg.Labs, nodes: cfg.Nodes, links: cfg.Links,
		nodeStates: cfg.NodeStates, linkStates: cfg.LinkStates,
		jobRepo: cfg.JobRepo, jobs: cfg.Jobs,
		images: cfg.Images, imageHosts: cfg.ImageHosts,
		log: cfg.Logger.Named("api.labs"),
	}
	webhooks := &webhookHandler{webhooks: cfg.WebhookRepo, dispatcher: cfg.Webhooks, log: cfg.Logger.Named("api.webhooks")}
	reconcile := &reconcileHandler{reconciler: cfg.Reconciler}
	console := &consoleHandler{placements: cfg.Placements, agents: cfg.Agents, log: cfg.Logger.Named("api.console")}

	r.Route("/agents", func(r chi.Router) {
		r.Use(RequireAgentSecret(cfg.Cfg.AgentSharedSecret))
		r.Post("/register", agents.Register)
		r.Post("/{id}/heartbeat", agents.Heartbeat)
	})

	r.Route("/callbacks", func(r chi.Router) {
		r.Use(RequireAgentSecret(cfg.Cfg.AgentSharedSecret))
		r.Post("/job/{id}", callbacks.Job)
		r.Post("/dead-letter/{id}", callbacks.DeadLetter)
		r.Post("/update/{id}", callbacks.Update)
	})

	r.Route("/events", func(r chi.Router) {
		r.Use(RequireAgentSecret(cfg.Cfg.AgentSharedSecret))
		r.Post("/node", events.Node)
		r.Post("/batch", events.Batch)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireBearerToken(cfg.Cfg.APIToken))

		r.Post("/reconcile", reconcile.Trigger)

		r.Get("/agents", agents.List)
		r.Get("/agents/{id}", agents.Get)

		r.Route("/labs", func(r chi.Router) {
			r.Get("/", labs.List)
			r.Post("/", labs.Create)
			r.Get("/{id}", labs.Get)
			r.Delete("/{id}", labs.Delete)
			r.Post("/{id}/up", labs.Up)
			r.Post("/{id}/down", labs.Down)
			r.Post("/{id}/restart", labs.Restart)
			r.Post("/{id}/nodes/{name}/start", labs.NodeStart)
			r.Post("/{id}/nodes/{name}/stop", labs.NodeStop)
			r.Get("/{id}/jobs", labs.ListJobs)
			r.Post("/{id}/jobs/{jobID}/cancel", labs.CancelJob)
		})

		r.Get("/jobs/{id}", labs.GetJob)
		r.Get("/jobs/{id}/logs", labs.GetJobLogs)

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", webhooks.List)
			r.Post("/", webhooks.Create)
			r.Get("/{id}", webhooks.Get)
			r.Patch("/{id}", webhooks.Update)
			r.Delete("/{id}", webhooks.Delete)
			r.Post("/{id}/test", webhooks.Test)
		})
	})

	// Console connections carry their token as a query parameter rather
	// than an Authorization header — the browser WebSocket API cannot set
	// custom headers on the upgrade request — so this route sits outside
	// the bearer-token group and checks the token itself.
	r.Get("/console/{labID}/{node}", console.proxy(cfg.Cfg.APIToken))

	return r
}
