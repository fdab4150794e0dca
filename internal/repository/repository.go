// Package repository defines the persistence interfaces for every entity in
// the controller's data model, plus a GORM-backed implementation of each.
// Handlers and background components depend on these interfaces, never on
// *gorm.DB directly, so they can be exercised against a fake in tests.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/netlabio/controller/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	GetByAddress(ctx context.Context, address string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, status string, at time.Time, resourceUsage string) error
	MarkStale(ctx context.Context, olderThan time.Time) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	ListOnline(ctx context.Context) ([]db.Agent, error)
	ListByImageSyncStrategy(ctx context.Context, strategy string) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// LabRepository
// -----------------------------------------------------------------------------

type LabRepository interface {
	Create(ctx context.Context, lab *db.Lab) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Lab, error)
	Update(ctx context.Context, lab *db.Lab) error
	UpdateState(ctx context.Context, id uuid.UUID, state, stateError string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Lab, int64, error)
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]db.Lab, int64, error)
	ListByState(ctx context.Context, state string) ([]db.Lab, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Lab, error)
}

// -----------------------------------------------------------------------------
// NodeRepository
// -----------------------------------------------------------------------------

type NodeRepository interface {
	Create(ctx context.Context, node *db.Node) error
	CreateBatch(ctx context.Context, nodes []db.Node) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Node, error)
	GetByContainerName(ctx context.Context, labID uuid.UUID, containerName string) (*db.Node, error)
	ListByLab(ctx context.Context, labID uuid.UUID) ([]db.Node, error)
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// LinkRepository
// -----------------------------------------------------------------------------

type LinkRepository interface {
	Create(ctx context.Context, link *db.Link) error
	CreateBatch(ctx context.Context, links []db.Link) error
	ListByLab(ctx context.Context, labID uuid.UUID) ([]db.Link, error)
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// NodeStateRepository
// -----------------------------------------------------------------------------

type NodeStateRepository interface {
	Upsert(ctx context.Context, state *db.NodeState) error
	GetByLabAndNode(ctx context.Context, labID, nodeID uuid.UUID) (*db.NodeState, error)
	ListByLab(ctx context.Context, labID uuid.UUID) ([]db.NodeState, error)
	ListStuckPending(ctx context.Context, olderThan time.Time) ([]db.NodeState, error)
	ListRunningNotReady(ctx context.Context) ([]db.NodeState, error)
	ListInError(ctx context.Context) ([]db.NodeState, error)
	ListDesiredRunningNotRunning(ctx context.Context) ([]db.NodeState, error)
	ListRunningWithoutPlacement(ctx context.Context) ([]db.NodeState, error)
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// LinkStateRepository
// -----------------------------------------------------------------------------

type LinkStateRepository interface {
	Upsert(ctx context.Context, state *db.LinkState) error
	ListByLab(ctx context.Context, labID uuid.UUID) ([]db.LinkState, error)
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// NodePlacementRepository
// -----------------------------------------------------------------------------

type NodePlacementRepository interface {
	Upsert(ctx context.Context, placement *db.NodePlacement) error
	GetByLabAndNode(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodePlacement, error)
	ListByLab(ctx context.Context, labID uuid.UUID) ([]db.NodePlacement, error)
	ListByHost(ctx context.Context, hostID uuid.UUID) ([]db.NodePlacement, error)
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithLogs retrieves a job together with its JobLog records,
	// ordered by timestamp ascending. Logs are returned as a separate slice
	// because GORM cannot auto-resolve the uuid.UUID foreign key.
	GetByIDWithLogs(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobLog, error)

	Update(ctx context.Context, job *db.Job) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByLab(ctx context.Context, labID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]db.Job, error)
	ListActiveByLab(ctx context.Context, labID uuid.UUID) ([]db.Job, error)
	CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int, error)
	ListByStatus(ctx context.Context, status string) ([]db.Job, error)
	ListStuckRunning(ctx context.Context, heartbeatOlderThan time.Time) ([]db.Job, error)
	ListQueuedOlderThan(ctx context.Context, t time.Time) ([]db.Job, error)

	BulkCreateLogs(ctx context.Context, logs []db.JobLog) error
	GetLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error)
}

// -----------------------------------------------------------------------------
// ImageHostRepository
// -----------------------------------------------------------------------------

type ImageHostRepository interface {
	Upsert(ctx context.Context, ih *db.ImageHost) error
	Get(ctx context.Context, imageID string, hostID uuid.UUID) (*db.ImageHost, error)
	ListByImage(ctx context.Context, imageID string) ([]db.ImageHost, error)
	ListByHost(ctx context.Context, hostID uuid.UUID) ([]db.ImageHost, error)

	// ListDistinctImageIDs returns every image_id the system has ever
	// recorded across any host — the manifest the pull-on-registration
	// sweep iterates over.
	ListDistinctImageIDs(ctx context.Context) ([]string, error)
}

// -----------------------------------------------------------------------------
// ImageSyncJobRepository
// -----------------------------------------------------------------------------

type ImageSyncJobRepository interface {
	Create(ctx context.Context, job *db.ImageSyncJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ImageSyncJob, error)
	Update(ctx context.Context, job *db.ImageSyncJob) error
	CountActiveByHost(ctx context.Context, hostID uuid.UUID) (int64, error)
	ListStuck(ctx context.Context, startedBefore time.Time) ([]db.ImageSyncJob, error)
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Update(ctx context.Context, webhook *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error)
	ListByOwner(ctx context.Context, ownerID string) ([]db.Webhook, error)

	// ListForEvent returns every enabled webhook that should receive the
	// given event for the given lab: subscriptions scoped to labID plus
	// subscriptions with a nil LabID owned by the lab's owner.
	ListForEvent(ctx context.Context, ownerID string, labID uuid.UUID, event string) ([]db.Webhook, error)

	RecordDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	UpdateLastDelivery(ctx context.Context, id uuid.UUID, at time.Time, status string) error
}

// -----------------------------------------------------------------------------
// AgentUpdateJobRepository
// -----------------------------------------------------------------------------

type AgentUpdateJobRepository interface {
	Create(ctx context.Context, job *db.AgentUpdateJob) error
	GetPendingForAgent(ctx context.Context, agentID uuid.UUID) (*db.AgentUpdateJob, error)
	Update(ctx context.Context, job *db.AgentUpdateJob) error
}
