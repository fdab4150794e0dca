package imagesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
)

func TestPreDeployCheckSkipsWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.ImageSyncEnabled = false
	s := &Syncer{cfg: cfg, log: zap.NewNop()}

	err := s.PreDeployCheck(context.Background(), &db.Agent{}, []string{"alpine:latest"})
	assert.NoError(t, err)
}

func TestPreDeployCheckSkipsWhenPreDeployCheckDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.ImageSyncPreDeployCheck = false
	s := &Syncer{cfg: cfg, log: zap.NewNop()}

	err := s.PreDeployCheck(context.Background(), &db.Agent{}, []string{"alpine:latest"})
	assert.NoError(t, err)
}

func TestPreDeployCheckSkipsWhenNoRefs(t *testing.T) {
	cfg := config.Default()
	s := &Syncer{cfg: cfg, log: zap.NewNop()}

	err := s.PreDeployCheck(context.Background(), &db.Agent{}, nil)
	assert.NoError(t, err)
}

func TestRecordSyncMetricNilRegistrySafe(t *testing.T) {
	s := &Syncer{log: zap.NewNop()}
	assert.NotPanics(t, func() { s.recordSyncMetric("completed") })
}
