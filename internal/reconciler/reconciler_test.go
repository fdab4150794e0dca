package reconciler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMapContainerStatus(t *testing.T) {
	assert.Equal(t, "undeployed", mapContainerStatus("running", false))
	assert.Equal(t, "running", mapContainerStatus("running", true))
	assert.Equal(t, "stopped", mapContainerStatus("exited", true))
	assert.Equal(t, "error", mapContainerStatus("dead", true))
	assert.Equal(t, "undeployed", mapContainerStatus("paused", true))
}

func TestDeriveLinkState(t *testing.T) {
	assert.Equal(t, "up", deriveLinkState("running", "running"))
	assert.Equal(t, "error", deriveLinkState("error", "running"))
	assert.Equal(t, "down", deriveLinkState("stopped", "running"))
	assert.Equal(t, "unknown", deriveLinkState("pending", "pending"))
}

func TestMatchLabIDPrefix(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	known := []uuid.UUID{a, b}

	got, ok := MatchLabIDPrefix(a.String(), known)
	assert.True(t, ok)
	assert.Equal(t, a, got)

	prefix := a.String()[:8]
	got, ok = MatchLabIDPrefix(prefix, known)
	assert.True(t, ok)
	assert.Equal(t, a, got)

	_, ok = MatchLabIDPrefix("not-a-known-id", known)
	assert.False(t, ok)
}
