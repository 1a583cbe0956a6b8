package config

import "time"

// PipelineSettings groups the pipeline and worker tunables.
type PipelineSettings struct {
	// MaxRetryAttempts bounds automated recovery from failed; exceeding it
	// leaves the job permanently failed pending manual intervention.
	MaxRetryAttempts int
	// RetryBaseDelay is doubled on each attempt (exponential backoff).
	RetryBaseDelay time.Duration
	// ApprovalTimeout marks jobs stuck in await-approval as stale.
	ApprovalTimeout time.Duration
	// TaskClaimTimeout requeues running tasks whose worker went away.
	TaskClaimTimeout time.Duration
	// WorkerPollInterval is the queue polling cadence.
	WorkerPollInterval time.Duration
	// MaintenanceInterval runs stale-task requeueing, due retries, and stuck
	// approval cleanup. Must be well inside TaskClaimTimeout and
	// RetryBaseDelay, or crashed claims and due retries sit idle.
	MaintenanceInterval time.Duration
	// CacheSweepInterval schedules the location cache TTL sweep.
	CacheSweepInterval time.Duration
}

// LoadPipelineSettings reads pipeline tunables from environment variables.
func LoadPipelineSettings() PipelineSettings {
	return PipelineSettings{
		MaxRetryAttempts:    envInt("PIPELINE_MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:      envDuration("PIPELINE_RETRY_BASE_DELAY", time.Minute),
		ApprovalTimeout:     envDuration("PIPELINE_APPROVAL_TIMEOUT", 72*time.Hour),
		TaskClaimTimeout:    envDuration("PIPELINE_TASK_CLAIM_TIMEOUT", 10*time.Minute),
		WorkerPollInterval:  envDuration("PIPELINE_WORKER_POLL_INTERVAL", 2*time.Second),
		MaintenanceInterval: envDuration("PIPELINE_MAINTENANCE_INTERVAL", 30*time.Second),
		CacheSweepInterval:  envDuration("PIPELINE_CACHE_SWEEP_INTERVAL", 24*time.Hour),
	}
}
