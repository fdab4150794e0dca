package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersExpectedCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsTotal.WithLabelValues("up", "completed").Inc()
	m.JobDuration.WithLabelValues("up").Observe(1.5)
	m.ReconcileDuration.Observe(0.2)
	m.ReconcileLabsScanned.Add(3)
	m.WebhookDeliveryTotal.WithLabelValues("lab.deploy_complete", "success").Inc()
	m.ImageSyncTotal.WithLabelValues("completed").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	assert.True(t, names["netlab_jobengine_jobs_total"])
	assert.True(t, names["netlab_jobengine_job_duration_seconds"])
	assert.True(t, names["netlab_reconciler_cycle_duration_seconds"])
	assert.True(t, names["netlab_reconciler_labs_scanned_total"])
	assert.True(t, names["netlab_webhook_deliveries_total"])
	assert.True(t, names["netlab_imagesync_syncs_total"])
}
