package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a registered netlab host daemon. Agents are dialed by the
// controller over plain HTTP (no persistent stream) and self-report their
// capabilities on registration and every heartbeat. RegistrationTokenHash is
// a column for a hashed registration token; no code path in the controller
// sets or compares it.
type Agent struct {
	softDelete
	Name                  string `gorm:"not null"`
	Address               string `gorm:"not null;index"` // host:port the controller dials
	Status                string `gorm:"not null;default:'offline';index"` // "online", "offline"
	Version               string `gorm:"not null;default:''"`
	Providers             string `gorm:"type:text;not null;default:'[]'"` // JSON array, e.g. ["containerlab","libvirt"]
	MaxConcurrentJobs     int    `gorm:"not null;default:4"`
	Features              string `gorm:"type:text;not null;default:'[]'"` // JSON array of optional capabilities
	ImageSyncStrategy     string `gorm:"not null;default:'on_demand'"`    // "push", "pull", "on_demand", "disabled"
	RegistrationTokenHash string `gorm:"default:''"`                      // hashed registration token column; never written or read by the controller
	LastHeartbeatAt       *time.Time
	ResourceUsage         string `gorm:"type:text;not null;default:'{}'"` // JSON snapshot reported on heartbeat
}

// -----------------------------------------------------------------------------
// Labs, Nodes, Links — topology definitions and derived runtime state
// -----------------------------------------------------------------------------

// Lab is a named topology instance owned by a user. TopologyYAML retains the
// manifest used for the most recent deploy so a retried or re-triggered job
// doesn't need the caller to resend it.
type Lab struct {
	softDelete
	Name           string     `gorm:"not null"`
	Owner          string     `gorm:"not null;index"`
	Provider       string     `gorm:"not null"`
	State          string     `gorm:"not null;default:'stopped';index"` // stopped, starting, running, stopping, error, unknown
	AgentID        *uuid.UUID `gorm:"type:text;index"`                  // primary/affinity agent; read by the controller, never assigned by it
	StateUpdatedAt time.Time  `gorm:"not null"`
	StateError     string     `gorm:"type:text;default:''"`
	SingleHost     bool       `gorm:"not null;default:true"`
	DefaultHostID  string     `gorm:"default:''"` // logical host name used when a node has no explicit placement
	TopologyYAML   string     `gorm:"type:text;default:''"`
}

// Node is an immutable topology definition created at lab import time.
// ContainerName must be unique within a lab — it is the identity agents and
// the reconciler key container state on.
type Node struct {
	base
	LabID           uuid.UUID `gorm:"type:text;not null;index:idx_node_lab_container,unique"`
	GUIID           string    `gorm:"not null"`
	DisplayName     string    `gorm:"not null"`
	ContainerName   string    `gorm:"not null;index:idx_node_lab_container,unique"`
	NodeType        string    `gorm:"not null"`
	Device          string    `gorm:"not null;default:''"`
	Image           string    `gorm:"default:''"`
	HostID          string    `gorm:"default:''"` // explicit host placement; empty = lab default host
	NetworkMode     string    `gorm:"default:''"`
	ExternalNetwork bool      `gorm:"not null;default:false"`
	ExternalIface   string    `gorm:"default:''"`
	ConfigJSON      string    `gorm:"type:text;default:'{}'"`
}

// Link is an immutable topology definition created at lab import time.
// LinkName is canonical: the two endpoint "node:iface" strings sorted
// lexicographically and joined with "-", so a link and its reverse never
// produce two rows.
type Link struct {
	base
	LabID           uuid.UUID `gorm:"type:text;not null;index:idx_link_lab_name,unique"`
	LinkName        string    `gorm:"not null;index:idx_link_lab_name,unique"`
	SourceNodeID    uuid.UUID `gorm:"type:text;not null;index"`
	SourceInterface string    `gorm:"not null"`
	TargetNodeID    uuid.UUID `gorm:"type:text;not null;index"`
	TargetInterface string    `gorm:"not null"`
	MTU             int       `gorm:"default:0"`
	Bandwidth       int       `gorm:"default:0"`
}

// NodeState is the runtime condition of a Node. Exactly one row exists per
// (lab_id, node_id) — the reconciler upserts it, never inserts a second.
type NodeState struct {
	base
	LabID         uuid.UUID `gorm:"type:text;not null;index:idx_nodestate_lab_node,unique"`
	NodeID        uuid.UUID `gorm:"type:text;not null;index:idx_nodestate_lab_node,unique"`
	NodeName      string    `gorm:"not null"` // container name, denormalized so agent status lookups skip a join
	DesiredState  string    `gorm:"not null;default:'stopped'"`          // "stopped", "running"
	ActualState   string    `gorm:"not null;default:'undeployed';index"` // "undeployed", "pending", "running", "stopped", "error"
	IsReady       bool      `gorm:"not null;default:false"`
	BootStartedAt *time.Time
	ErrorMessage  string `gorm:"type:text;default:''"`
}

// LinkState is the runtime condition of a Link, derived from the NodeState of
// its two endpoints rather than queried from an agent directly.
type LinkState struct {
	base
	LabID           uuid.UUID `gorm:"type:text;not null;index:idx_linkstate_lab_link,unique"`
	LinkName        string    `gorm:"not null;index:idx_linkstate_lab_link,unique"`
	SourceNode      string    `gorm:"not null"`
	SourceInterface string    `gorm:"not null"`
	TargetNode      string    `gorm:"not null"`
	TargetInterface string    `gorm:"not null"`
	DesiredState    string    `gorm:"not null;default:'up'"`       // "up", "down"
	ActualState     string    `gorm:"not null;default:'unknown'"` // "unknown", "up", "down", "error"
	ErrorMessage    string    `gorm:"type:text;default:''"`
}

// NodePlacement records which agent currently hosts a given container. It is
// the Selector's source of truth for sticky per-lab agent affinity across
// multi-host labs.
type NodePlacement struct {
	base
	LabID    uuid.UUID `gorm:"type:text;not null;index:idx_placement_lab_node,unique"`
	NodeName string    `gorm:"not null;index:idx_placement_lab_node,unique"`
	HostID   uuid.UUID `gorm:"type:text;not null;index"` // Agent.ID
	Status   string    `gorm:"not null;default:'unknown'"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a single unit of dispatched work tied to a lab and an action.
// Status transitions: queued -> running -> completed | failed | cancelled.
// Nothing mutates a job after it reaches a terminal status: retrying a
// failed job creates a new Job row with RetryCount incremented. A dispatch
// failover before the job finishes re-queues the same row with RetryCount
// incremented.
type Job struct {
	base
	LabID         *uuid.UUID `gorm:"type:text;index"`
	UserID        *uuid.UUID `gorm:"type:text;index"`
	Action        string     `gorm:"not null"` // "up", "down", "node:start:<name>", "node:stop:<name>", "sync:node:<id>", "sync:lab"
	Status        string     `gorm:"not null;default:'queued';index"` // "queued", "running", "completed", "failed", "cancelled"
	AgentID       *uuid.UUID `gorm:"type:text;index"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	RetryCount    int    `gorm:"not null;default:0"`
	LogPath       string `gorm:"type:text;default:''"` // inline log content or a file path

	// Logs is not filled by any query: GetByIDWithLogs loads a job's logs
	// with a manual query and returns them as a separate slice. GORM cannot
	// resolve a uuid.UUID foreign key automatically, same limitation as the
	// rest of this schema.
	Logs []JobLog `gorm:"-"`
}

// JobLog is a single structured log line emitted during job execution, so
// the error_summary field can be derived from structured rows instead of
// regexing the inline LogPath blob.
type JobLog struct {
	base
	JobID     uuid.UUID `gorm:"type:text;not null;index"`
	Level     string    `gorm:"not null"` // "info", "warn", "error"
	Message   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Image sync
// -----------------------------------------------------------------------------

// ImageHost tracks whether a container image is available on a given agent.
type ImageHost struct {
	base
	ImageID      string    `gorm:"not null;index:idx_imagehost_image_host,unique"`
	HostID       uuid.UUID `gorm:"type:text;not null;index:idx_imagehost_image_host,unique"`
	Reference    string    `gorm:"not null"`
	Status       string    `gorm:"not null;default:'unknown'"` // "unknown", "syncing", "synced", "missing", "failed"
	SyncedAt     *time.Time
	ErrorMessage string `gorm:"type:text;default:''"`
}

// ImageSyncJob tracks an in-flight image transfer to a host.
type ImageSyncJob struct {
	base
	ImageID          string    `gorm:"not null;index"`
	HostID           uuid.UUID `gorm:"type:text;not null;index"`
	Status           string    `gorm:"not null;default:'pending'"` // "pending", "transferring", "loading", "completed", "failed"
	BytesTransferred int64     `gorm:"not null;default:0"`
	TotalBytes       int64     `gorm:"not null;default:0"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a user-registered subscription to lab lifecycle events. Secret
// is stored in cleartext (via EncryptedString, encrypted at the column
// level) rather than hashed — unlike a bearer token, it must be read back to
// compute the outbound HMAC signature.
type Webhook struct {
	softDelete
	OwnerID string     `gorm:"not null;index"`
	LabID   *uuid.UUID `gorm:"type:text;index"` // nil = all labs owned by OwnerID
	URL     string     `gorm:"not null"`
	Secret  EncryptedString `gorm:"type:text;default:''"`
	Events  string     `gorm:"type:text;not null;default:'[]'"` // JSON array of event names
	Headers string     `gorm:"type:text;default:'{}'"`          // JSON map merged onto every delivery
	Enabled bool       `gorm:"not null;default:true"`

	LastDeliveryAt     *time.Time
	LastDeliveryStatus string `gorm:"default:''"` // "success" or "failed", summary of the most recent attempt
}

// WebhookDelivery is a per-attempt audit row.
type WebhookDelivery struct {
	base
	WebhookID  uuid.UUID `gorm:"type:text;not null;index"`
	EventID    string    `gorm:"not null"`
	Event      string    `gorm:"not null"`
	StatusCode int       `gorm:"not null;default:0"`
	Success    bool      `gorm:"not null;default:false"`
	Error      string    `gorm:"type:text;default:''"`
	DurationMS int64     `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Agent software updates
// -----------------------------------------------------------------------------

// AgentUpdateJob tracks a controller-recorded intent to update an agent's
// software. The controller never executes the update itself — it records the
// target version and the agent's own updater polls for it on its next
// heartbeat, mirroring how heartbeats are pulled rather than pushed.
type AgentUpdateJob struct {
	base
	AgentID       uuid.UUID `gorm:"type:text;not null;index"`
	TargetVersion string    `gorm:"not null"`
	Status        string    `gorm:"not null;default:'pending'"` // "pending", "in_progress", "completed", "failed"
	ErrorMessage  string    `gorm:"type:text;default:''"`
	CompletedAt   *time.Time
}
