// Package metrics defines the controller's Prometheus collectors and
// exposes them on a /metrics endpoint via promhttp.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netlabio/controller/internal/repository"
)

// Registry bundles every collector the controller exports. Each background
// component that updates a metric holds a *Registry, passed to its
// constructor, and updates the fields it needs.
type Registry struct {
	JobsTotal            *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	ReconcileDuration    prometheus.Histogram
	ReconcileLabsScanned prometheus.Counter
	WebhookDeliveryTotal *prometheus.CounterVec
	ImageSyncTotal       *prometheus.CounterVec
}

// New registers every collector against reg and returns the populated
// Registry. Call once at startup before starting any background loop.
// Agent online/offline counts are registered separately via
// RegisterAgentGauges, since they are derived at scrape time from the
// repository rather than accumulated by a call site.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlab",
			Subsystem: "jobengine",
			Name:      "jobs_total",
			Help:      "Total jobs dispatched, labeled by action and terminal status.",
		}, []string{"action", "status"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netlab",
			Subsystem: "jobengine",
			Name:      "job_duration_seconds",
			Help:      "Job wall-clock duration from dispatch to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"action"}),

		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netlab",
			Subsystem: "reconciler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one reconciliation pass across every stable-state lab.",
			Buckets:   prometheus.DefBuckets,
		}),

		ReconcileLabsScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netlab",
			Subsystem: "reconciler",
			Name:      "labs_scanned_total",
			Help:      "Total labs visited across all reconciliation passes.",
		}),

		WebhookDeliveryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlab",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts, labeled by event and outcome.",
		}, []string{"event", "outcome"}),

		ImageSyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netlab",
			Subsystem: "imagesync",
			Name:      "syncs_total",
			Help:      "Image sync jobs, labeled by outcome.",
		}, []string{"outcome"}),
	}
}

const agentGaugeQueryTimeout = 3 * time.Second

// agentGaugeCollector reports the online/offline agent split by querying
// the repository directly at scrape time, rather than threading gauge
// updates through every registry.Registry call site — the count is cheap
// to compute and this keeps it from drifting out of sync with the store.
type agentGaugeCollector struct {
	agents  repository.AgentRepository
	online  *prometheus.Desc
	offline *prometheus.Desc
}

// RegisterAgentGauges registers a Collector that reports agents_online and
// agents_offline, computed from agents at scrape time.
func RegisterAgentGauges(reg prometheus.Registerer, agents repository.AgentRepository) error {
	c := &agentGaugeCollector{
		agents: agents,
		online: prometheus.NewDesc(
			"netlab_registry_agents_online", "Number of agents currently marked online.", nil, nil),
		offline: prometheus.NewDesc(
			"netlab_registry_agents_offline", "Number of agents currently marked offline.", nil, nil),
	}
	return reg.Register(c)
}

func (c *agentGaugeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.online
	ch <- c.offline
}

func (c *agentGaugeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), agentGaugeQueryTimeout)
	defer cancel()

	online, err := c.agents.ListOnline(ctx)
	if err != nil {
		return
	}
	_, total, err := c.agents.List(ctx, repository.ListOptions{Limit: 1})
	if err != nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, float64(len(online)))
	ch <- prometheus.MustNewConstMetric(c.offline, prometheus.GaugeValue, float64(total)-float64(len(online)))
}
