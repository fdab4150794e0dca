// Package config centralizes every tunable named in the controller's
// external interface so commands, flags, and defaults live in one place
// instead of being scattered across the packages that consume them.
package config

import "time"

// Config holds every recognized controller option. cmd/controller binds
// each field to a cobra flag; only the string options in the HTTP server,
// token and Redis groups also read a NETLAB_* environment variable.
type Config struct {
	// HTTP server
	ListenAddr string
	Driver     string // "sqlite" or "postgres"
	DSN        string
	SecretKey  string // AES-256 key for db.EncryptedString; cmd/controller pads or truncates it to 32 bytes
	LogLevel   string

	// APIToken gates every client-facing endpoint behind a single shared
	// bearer token when set. AgentSharedSecret does the same for the
	// agent-facing registration/heartbeat/callback surface. Either left
	// empty disables that gate — full OIDC/JWT user auth is out of this
	// core's scope (spec.md §1 treats it as an external collaborator).
	APIToken          string
	AgentSharedSecret string

	RedisAddr string

	// Agent communication timeouts.
	AgentDeployTimeout      time.Duration
	AgentDestroyTimeout     time.Duration
	AgentNodeActionTimeout  time.Duration
	AgentStatusTimeout      time.Duration
	AgentHealthCheckTimeout time.Duration

	// Retry configuration for the agent client's transient-error wrapper.
	AgentMaxRetries       int
	AgentRetryBackoffBase time.Duration
	AgentRetryBackoffMax  time.Duration

	// Agent registry background loop.
	AgentHealthCheckInterval time.Duration
	AgentStaleTimeout        time.Duration

	MaxConcurrentJobsPerUser int

	// Reconciler.
	ReconciliationInterval   time.Duration
	StalePendingThreshold    time.Duration
	StaleStartingThreshold   time.Duration

	// Job health monitor.
	JobHealthCheckInterval time.Duration
	JobMaxRetries          int
	JobTimeoutDeploy       time.Duration
	JobTimeoutDestroy      time.Duration
	JobTimeoutSync         time.Duration
	JobTimeoutNode         time.Duration
	JobStuckGracePeriod    time.Duration

	// State enforcer.
	StateEnforcementEnabled  bool
	StateEnforcementInterval time.Duration
	StateEnforcementCooldown time.Duration

	// Image sync.
	ImageSyncEnabled           bool
	ImageSyncFallbackStrategy  string
	ImageSyncPreDeployCheck    bool
	ImageSyncTimeout           time.Duration
	ImageSyncMaxConcurrent     int
	ImageSyncChunkSize         int
	ImageSyncJobPendingTimeout time.Duration
	ImageSyncReconcileInterval time.Duration

	// Feature flags.
	FeatureMultihostLabs bool
	FeatureVXLANOverlay  bool
}

// Default returns a Config populated with the same defaults as the original
// system's settings module, translated to Go durations.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Driver:     "sqlite",
		DSN:        "netlab_controller.db",
		LogLevel:   "info",

		APIToken:          "",
		AgentSharedSecret: "",

		RedisAddr: "redis://localhost:6379/0",

		AgentDeployTimeout:      900 * time.Second,
		AgentDestroyTimeout:     300 * time.Second,
		AgentNodeActionTimeout:  60 * time.Second,
		AgentStatusTimeout:      30 * time.Second,
		AgentHealthCheckTimeout: 5 * time.Second,

		AgentMaxRetries:       3,
		AgentRetryBackoffBase: time.Second,
		AgentRetryBackoffMax:  10 * time.Second,

		AgentHealthCheckInterval: 30 * time.Second,
		AgentStaleTimeout:        90 * time.Second,

		MaxConcurrentJobsPerUser: 2,

		ReconciliationInterval: 30 * time.Second,
		StalePendingThreshold:  600 * time.Second,
		StaleStartingThreshold: 900 * time.Second,

		JobHealthCheckInterval: 30 * time.Second,
		JobMaxRetries:          2,
		JobTimeoutDeploy:       1200 * time.Second,
		JobTimeoutDestroy:      600 * time.Second,
		JobTimeoutSync:         600 * time.Second,
		JobTimeoutNode:         300 * time.Second,
		JobStuckGracePeriod:    60 * time.Second,

		StateEnforcementEnabled:  true,
		StateEnforcementInterval: 30 * time.Second,
		StateEnforcementCooldown: 60 * time.Second,

		ImageSyncEnabled:           true,
		ImageSyncFallbackStrategy:  "on_demand",
		ImageSyncPreDeployCheck:    true,
		ImageSyncTimeout:           600 * time.Second,
		ImageSyncMaxConcurrent:     2,
		ImageSyncChunkSize:         1048576,
		ImageSyncJobPendingTimeout: 120 * time.Second,
		ImageSyncReconcileInterval: 300 * time.Second,

		FeatureMultihostLabs: true,
		FeatureVXLANOverlay:  true,
	}
}

// TimeoutForAction returns the per-action-kind job timeout used by the job
// engine's dispatch deadline, the health monitor's stuck-job check and the
// reconciler's in-flight job window.
func (c Config) TimeoutForAction(action string) time.Duration {
	switch {
	case action == "up":
		return c.JobTimeoutDeploy
	case action == "down":
		return c.JobTimeoutDestroy
	case len(action) >= 5 && action[:5] == "sync:":
		return c.JobTimeoutSync
	case len(action) >= 5 && action[:5] == "node:":
		return c.JobTimeoutNode
	default:
		return c.JobTimeoutNode
	}
}
