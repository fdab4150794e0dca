package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testGraph() *Graph {
	return &Graph{
		Nodes: map[string]NodeSpec{
			"r1": {Kind: "router", Host: "host-a"},
			"r2": {Kind: "router", Host: "host-b"},
			"r3": {Kind: "router"},
		},
		Links: []LinkSpec{
			{Name: "r1-r3", A: Endpoint{Node: "r1", Interface: "eth0"}, B: Endpoint{Node: "r3", Interface: "eth0"}},
			{Name: "r1-r2", A: Endpoint{Node: "r1", Interface: "eth1"}, B: Endpoint{Node: "r2", Interface: "eth0"}},
		},
	}
}

func TestAnalyze(t *testing.T) {
	g := testGraph()
	a := Analyze(g, "host-a")

	assert.False(t, a.SingleHost)
	assert.Equal(t, "host-a", a.NodeHost["r1"])
	assert.Equal(t, "host-b", a.NodeHost["r2"])
	assert.Equal(t, "host-a", a.NodeHost["r3"]) // falls back to default_host

	assert.Len(t, a.CrossHost, 1)
	assert.Equal(t, "r1-r2", a.CrossHost[0].Name)
	assert.Len(t, a.LocalLinks, 1)
	assert.Equal(t, "r1-r3", a.LocalLinks[0].Name)
}

func TestSplit(t *testing.T) {
	g := testGraph()
	a := Analyze(g, "host-a")
	subs := Split(g, a)

	assert.Len(t, subs["host-a"].Nodes, 2) // r1, r3
	assert.Len(t, subs["host-b"].Nodes, 1) // r2
	assert.Len(t, subs["host-a"].Links, 1) // only r1-r3, local to host-a
	assert.Len(t, subs["host-b"].Links, 0)
}

func TestImageReferences(t *testing.T) {
	g := &Graph{Nodes: map[string]NodeSpec{
		"a": {Image: "frr:latest"},
		"b": {Image: "frr:latest"},
		"c": {Image: "alpine:3.19"},
		"d": {},
	}}
	refs := ImageReferences(g)
	assert.ElementsMatch(t, []string{"frr:latest", "alpine:3.19"}, refs)
}
