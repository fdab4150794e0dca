package healthmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
)

func TestRunningPastTimeout(t *testing.T) {
	m := &Monitor{cfg: config.Default()}

	longAgo := time.Now().Add(-30 * time.Minute)
	assert.True(t, m.runningPastTimeout(db.Job{Action: "up", StartedAt: &longAgo}))

	recent := time.Now().Add(-1 * time.Minute)
	assert.False(t, m.runningPastTimeout(db.Job{Action: "up", StartedAt: &recent}))

	assert.False(t, m.runningPastTimeout(db.Job{Action: "up", StartedAt: nil}))
}
