package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netlabio/controller/internal/topology"
)

func TestCanonicalLinkNameOrderIndependent(t *testing.T) {
	a := topology.Endpoint{Node: "r1", Interface: "eth0"}
	b := topology.Endpoint{Node: "r2", Interface: "eth1"}

	assert.Equal(t, canonicalLinkName(a, b), canonicalLinkName(b, a))
	assert.Equal(t, "r1:eth0-r2:eth1", canonicalLinkName(a, b))
}
