package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netlabio/controller/internal/db"
)

func TestEnforcementAction(t *testing.T) {
	assert.Equal(t, "start", enforcementAction(db.NodeState{DesiredState: "running", ActualState: "stopped"}))
	assert.Equal(t, "start", enforcementAction(db.NodeState{DesiredState: "running", ActualState: "undeployed"}))
	assert.Equal(t, "stop", enforcementAction(db.NodeState{DesiredState: "stopped", ActualState: "running"}))
	assert.Equal(t, "", enforcementAction(db.NodeState{DesiredState: "running", ActualState: "running"}))
	assert.Equal(t, "", enforcementAction(db.NodeState{DesiredState: "running", ActualState: "error"}))
}
