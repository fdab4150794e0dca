package agentclient

import (
	"context"
	"fmt"

	"github.com/netlabio/controller/internal/db"
)

// DeployRequest is the body sent to an agent's POST /deploy.
type DeployRequest struct {
	JobID        string `json:"job_id"`
	LabID        string `json:"lab_id"`
	TopologyYAML string `json:"topology_yaml"`
	Provider     string `json:"provider"`
}

// DeployResponse is returned synchronously on 200, or ignored on 202 (the
// agent will complete via /callbacks/job/{id} instead).
type DeployResponse struct {
	Status string `json:"status"`
}

// Deploy asks agent to stand up lab labID from topologyYAML. Returns
// accepted=true when the agent responded 202 and will complete
// asynchronously via callback.
func (c *Client) Deploy(ctx context.Context, agent *db.Agent, jobID, labID, topologyYAML, provider string) (accepted bool, resp DeployResponse, err error) {
	accepted, err = c.postJSON(ctx, agentAddress(agent), "/deploy", c.deployTimeout, DeployRequest{
		JobID: jobID, LabID: labID, TopologyYAML: topologyYAML, Provider: provider,
	}, &resp)
	return accepted, resp, err
}

// DestroyRequest is the body sent to an agent's POST /destroy.
type DestroyRequest struct {
	JobID string `json:"job_id"`
	LabID string `json:"lab_id"`
}

// Destroy asks agent to tear down lab labID.
func (c *Client) Destroy(ctx context.Context, agent *db.Agent, jobID, labID string) (accepted bool, err error) {
	accepted, err = c.postJSON(ctx, agentAddress(agent), "/destroy", c.destroyTimeout, DestroyRequest{
		JobID: jobID, LabID: labID,
	}, nil)
	return accepted, err
}

// NodeActionRequest is the body sent to an agent's POST /node_action.
type NodeActionRequest struct {
	JobID  string `json:"job_id"`
	LabID  string `json:"lab_id"`
	Node   string `json:"node"`
	Action string `json:"action"` // "start" or "stop"
}

// NodeAction asks agent to start or stop a single node.
func (c *Client) NodeAction(ctx context.Context, agent *db.Agent, jobID, labID, node, action string) (accepted bool, err error) {
	accepted, err = c.postJSON(ctx, agentAddress(agent), "/node_action", c.nodeActionTimeout, NodeActionRequest{
		JobID: jobID, LabID: labID, Node: node, Action: action,
	}, nil)
	return accepted, err
}

// ContainerStatus is one entry in a GetLabStatus response.
type ContainerStatus struct {
	NodeName string `json:"node_name"`
	Status   string `json:"status"` // "running", "stopped", "exited", "dead", "error"
}

// LabStatusResponse is returned by GET /status/{lab_id}.
type LabStatusResponse struct {
	Containers []ContainerStatus `json:"containers"`
}

// GetLabStatus queries the live container status of every node in labID
// known to agent.
func (c *Client) GetLabStatus(ctx context.Context, agent *db.Agent, labID string) (LabStatusResponse, error) {
	var resp LabStatusResponse
	err := c.getJSON(ctx, agentAddress(agent), "/status/"+labID, c.statusTimeout, &resp)
	return resp, err
}

// DiscoverResponse lists every lab ID the agent currently hosts containers
// for, independent of what the controller's database expects.
type DiscoverResponse struct {
	LabIDs []string `json:"lab_ids"`
}

// DiscoverLabs enumerates labs the agent actually hosts, used to find
// orphaned deployments the controller's database no longer knows about.
func (c *Client) DiscoverLabs(ctx context.Context, agent *db.Agent) (DiscoverResponse, error) {
	var resp DiscoverResponse
	err := c.getJSON(ctx, agentAddress(agent), "/discover", c.statusTimeout, &resp)
	return resp, err
}

// CleanupOrphansRequest is the body sent to an agent's POST
// /cleanup_orphans.
type CleanupOrphansRequest struct {
	KnownLabIDs []string `json:"known_lab_ids"`
}

// CleanupOrphans tells agent to remove any lab containers not present in
// knownLabIDs.
func (c *Client) CleanupOrphans(ctx context.Context, agent *db.Agent, knownLabIDs []string) error {
	_, err := c.postJSON(ctx, agentAddress(agent), "/cleanup_orphans", c.statusTimeout, CleanupOrphansRequest{
		KnownLabIDs: knownLabIDs,
	}, nil)
	return err
}

// ReadinessResponse is returned by GET /nodes/{lab_id}/{node}/readiness.
type ReadinessResponse struct {
	IsReady bool `json:"is_ready"`
}

// CheckNodeReadiness polls whether node in labID has finished booting.
func (c *Client) CheckNodeReadiness(ctx context.Context, agent *db.Agent, labID, node string) (bool, error) {
	var resp ReadinessResponse
	err := c.getJSON(ctx, agentAddress(agent), fmt.Sprintf("/nodes/%s/%s/readiness", labID, node), c.statusTimeout, &resp)
	return resp.IsReady, err
}

// CrossHostLinkRequest is the body sent to one side of an overlay setup via
// POST /overlay/cross_host. Called once per side (agentA and agentB each
// get their own request describing the local and remote endpoint).
type CrossHostLinkRequest struct {
	LabID         string `json:"lab_id"`
	LinkID        string `json:"link_id"`
	LocalAgent    string `json:"local_agent"`
	RemoteAgent   string `json:"remote_agent"`
	LocalNode     string `json:"local_node"`
	LocalIface    string `json:"local_interface"`
	RemoteNode    string `json:"remote_node"`
	RemoteIface   string `json:"remote_interface"`
	LocalAddress  string `json:"local_address,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
}

// SetupCrossHostLink establishes the overlay tunnel endpoint for one side of
// a cross-host link on agent. The caller invokes this twice, once per side.
func (c *Client) SetupCrossHostLink(ctx context.Context, agent *db.Agent, req CrossHostLinkRequest) error {
	_, err := c.postJSON(ctx, agentAddress(agent), "/overlay/cross_host", c.nodeActionTimeout, req, nil)
	return err
}

// CleanupOverlay tears down every overlay tunnel and bridge agent holds for
// labID.
func (c *Client) CleanupOverlay(ctx context.Context, agent *db.Agent, labID string) error {
	return c.deleteJSON(ctx, agentAddress(agent), "/overlay/"+labID, c.nodeActionTimeout)
}

// LockStatus describes one agent-held deploy lock.
type LockStatus struct {
	LabID    string `json:"lab_id"`
	IsStuck  bool   `json:"is_stuck"`
	HeldSince string `json:"held_since,omitempty"`
}

// LockStatusResponse is returned by GET /locks/status.
type LockStatusResponse struct {
	Locks []LockStatus `json:"locks"`
}

// GetLockStatus lists every deploy lock agent currently holds.
func (c *Client) GetLockStatus(ctx context.Context, agent *db.Agent) (LockStatusResponse, error) {
	var resp LockStatusResponse
	err := c.getJSON(ctx, agentAddress(agent), "/locks/status", c.statusTimeout, &resp)
	return resp, err
}

// ReleaseLock releases agent's deploy lock for labID. Called best-effort
// before a retry-with-failover dispatch and by the health monitor's
// stuck-lock check.
func (c *Client) ReleaseLock(ctx context.Context, agent *db.Agent, labID string) error {
	_, err := c.postJSON(ctx, agentAddress(agent), fmt.Sprintf("/locks/%s/release", labID), c.statusTimeout, nil, nil)
	return err
}

// ImageInventoryResponse is returned by GET /images.
type ImageInventoryResponse struct {
	Images []string `json:"images"`
}

// GetImageInventory lists every image reference agent currently has loaded.
func (c *Client) GetImageInventory(ctx context.Context, agent *db.Agent) (ImageInventoryResponse, error) {
	var resp ImageInventoryResponse
	err := c.getJSON(ctx, agentAddress(agent), "/images", c.statusTimeout, &resp)
	return resp, err
}

// CheckImageResponse is returned by GET /images/{reference}.
type CheckImageResponse struct {
	Present bool `json:"present"`
}

// CheckImage reports whether agent already has reference loaded.
func (c *Client) CheckImage(ctx context.Context, agent *db.Agent, reference string) (bool, error) {
	var resp CheckImageResponse
	err := c.getJSON(ctx, agentAddress(agent), "/images/"+reference, c.statusTimeout, &resp)
	return resp.Present, err
}

// SyncImageRequest is the body sent to an agent's POST /images/sync.
type SyncImageRequest struct {
	JobID     string `json:"job_id"`
	Reference string `json:"reference"`
	ChunkSize int    `json:"chunk_size"`
}

// SyncImage asks agent to pull or receive reference, accumulating into
// ImageSyncJob progress reported back via callback. Returns accepted=true on
// 202, matching the rest of the async-job surface.
func (c *Client) SyncImage(ctx context.Context, agent *db.Agent, jobID, reference string, chunkSize int) (accepted bool, err error) {
	accepted, err = c.postJSON(ctx, agentAddress(agent), "/images/sync", c.statusTimeout, SyncImageRequest{
		JobID: jobID, Reference: reference, ChunkSize: chunkSize,
	}, nil)
	return accepted, err
}

// CheckHealth performs a cheap liveness probe against agent, using the
// shortest configured timeout.
func (c *Client) CheckHealth(ctx context.Context, agent *db.Agent) error {
	return c.getJSON(ctx, agentAddress(agent), "/status/health", c.healthCheckTimeout, nil)
}
