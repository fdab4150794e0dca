package jobengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netlabio/controller/internal/errkind"
)

func TestTransientStateFor(t *testing.T) {
	assert.Equal(t, "starting", transientStateFor("up"))
	assert.Equal(t, "stopping", transientStateFor("down"))
	assert.Equal(t, "running", transientStateFor("node:start:r1"))
}

func TestSteadyStateFor(t *testing.T) {
	assert.Equal(t, "running", steadyStateFor("up", "completed"))
	assert.Equal(t, "stopped", steadyStateFor("down", "completed"))
	assert.Equal(t, "error", steadyStateFor("up", "failed"))
	assert.Equal(t, "running", steadyStateFor("node:start:r1", "completed"))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal("completed"))
	assert.True(t, isTerminal("failed"))
	assert.True(t, isTerminal("cancelled"))
	assert.False(t, isTerminal("queued"))
	assert.False(t, isTerminal("running"))
}

func TestErrkindRetryable(t *testing.T) {
	assert.True(t, errkind.Retryable(errkind.AgentUnavailable))
	assert.False(t, errkind.Retryable(errkind.JobNotFound))
}
