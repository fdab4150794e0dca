package multihost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netlabio/controller/internal/db"
)

func TestSupportsProvider(t *testing.T) {
	agent := &db.Agent{Providers: `["docker","containerlab"]`}

	assert.True(t, supportsProvider(agent, "docker"))
	assert.True(t, supportsProvider(agent, "containerlab"))
	assert.False(t, supportsProvider(agent, "firecracker"))
}

func TestContainerName(t *testing.T) {
	lab := &db.Lab{Name: "mylab"}
	assert.Equal(t, "clab-mylab-r2", containerName(lab, "r2"))
	assert.Equal(t, "clab-mylab-r3", containerName(lab, "r3"))
}
