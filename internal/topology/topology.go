// Package topology parses the lab manifest's container graph and derives the
// per-host placement a multi-host deploy needs: which host owns which node,
// and which links cross a host boundary and therefore need an overlay tunnel
// instead of a local bridge.
package topology

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Graph is the parsed form of a lab's topology manifest.
type Graph struct {
	Nodes map[string]NodeSpec `yaml:"nodes"`
	Links []LinkSpec          `yaml:"links"`
}

// NodeSpec is one node definition in the manifest.
type NodeSpec struct {
	Kind  string `yaml:"kind"`
	Image string `yaml:"image"`
	Host  string `yaml:"host"` // explicit host assignment; "" = use default_host
}

// Endpoint is one side of a link. Type "node" is the common case; "bridge",
// "macvlan", and "host" endpoints are treated as local to their owning
// node's host for placement purposes.
type Endpoint struct {
	Node      string `yaml:"node"`
	Interface string `yaml:"interface"`
	Type      string `yaml:"type"` // "node" (default), "bridge", "macvlan", "host"
}

// LinkSpec is one link definition in the manifest.
type LinkSpec struct {
	Name string   `yaml:"name"`
	A    Endpoint `yaml:"a"`
	B    Endpoint `yaml:"b"`
}

// Parse decodes a topology manifest.
func Parse(raw string) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("topology: parse: %w", err)
	}
	return &g, nil
}

// Analysis is the result of assigning every node to a host and classifying
// every link as local or cross-host.
type Analysis struct {
	SingleHost  bool
	NodeHost    map[string]string   // node name -> host
	Placements  map[string][]string // host -> node names
	CrossHost   []LinkSpec          // links whose endpoints live on different hosts
	LocalLinks  []LinkSpec          // links whose endpoints share a host
}

// Analyze assigns every node a host (explicit NodeSpec.Host, else
// defaultHost) and classifies every link as local or cross-host.
func Analyze(g *Graph, defaultHost string) Analysis {
	nodeHost := make(map[string]string, len(g.Nodes))
	placements := make(map[string][]string)
	for name, spec := range g.Nodes {
		host := spec.Host
		if host == "" {
			host = defaultHost
		}
		nodeHost[name] = host
		placements[host] = append(placements[host], name)
	}

	var cross, local []LinkSpec
	for _, link := range g.Links {
		hostA := endpointHost(link.A, nodeHost)
		hostB := endpointHost(link.B, nodeHost)
		if hostA != "" && hostB != "" && hostA != hostB {
			cross = append(cross, link)
		} else {
			local = append(local, link)
		}
	}

	return Analysis{
		SingleHost: len(placements) <= 1,
		NodeHost:   nodeHost,
		Placements: placements,
		CrossHost:  cross,
		LocalLinks: local,
	}
}

// endpointHost resolves an endpoint to the host it is local to. Non-node
// endpoint types (bridge, macvlan, host) are local to their owning node's
// host, same as a node endpoint.
func endpointHost(ep Endpoint, nodeHost map[string]string) string {
	return nodeHost[ep.Node]
}

// Split partitions g into one sub-graph per host, containing only that
// host's nodes and only links with both endpoints on that host. Cross-host
// links are omitted — the multi-host deployer re-establishes them via the
// overlay protocol instead.
func Split(g *Graph, a Analysis) map[string]*Graph {
	out := make(map[string]*Graph, len(a.Placements))
	for host, names := range a.Placements {
		sub := &Graph{Nodes: make(map[string]NodeSpec, len(names))}
		for _, name := range names {
			sub.Nodes[name] = g.Nodes[name]
		}
		out[host] = sub
	}
	for _, link := range a.LocalLinks {
		host := a.NodeHost[link.A.Node]
		out[host].Links = append(out[host].Links, link)
	}
	return out
}

// ToAgentYAML re-serializes a sub-graph into the topology format sent in a
// per-host deploy request.
func ToAgentYAML(g *Graph) (string, error) {
	out, err := yaml.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("topology: marshal sub-graph: %w", err)
	}
	return string(out), nil
}

// ImageReferences returns every distinct image reference in g, the image
// sync pre-deploy check's input.
func ImageReferences(g *Graph) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, n := range g.Nodes {
		if n.Image == "" || seen[n.Image] {
			continue
		}
		seen[n.Image] = true
		refs = append(refs, n.Image)
	}
	return refs
}
