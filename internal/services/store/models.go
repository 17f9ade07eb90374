// Package store is the durable state layer of the scheduler. It owns the
// manifest, group, metadata, work-queue, and dead-letter tables and every
// atomic multi-row operation over them.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduleType mirrors the schedule_type Postgres enum.
type ScheduleType string

const (
	ScheduleNone      ScheduleType = "none"
	ScheduleCron      ScheduleType = "cron"
	ScheduleInterval  ScheduleType = "interval"
	ScheduleOnDemand  ScheduleType = "on_demand"
	ScheduleDependent ScheduleType = "dependent"
)

// MetadataState mirrors the metadata_state Postgres enum.
type MetadataState string

const (
	StatePending    MetadataState = "pending"
	StateInProgress MetadataState = "in_progress"
	StateCompleted  MetadataState = "completed"
	StateFailed     MetadataState = "failed"
	StateCancelled  MetadataState = "cancelled"
)

// Terminal reports whether a state has no outgoing transitions.
func (s MetadataState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WorkQueueStatus mirrors the work_queue_status Postgres enum.
type WorkQueueStatus string

const (
	QueueStatusQueued     WorkQueueStatus = "queued"
	QueueStatusDispatched WorkQueueStatus = "dispatched"
	QueueStatusCancelled  WorkQueueStatus = "cancelled"
)

// DeadLetterStatus mirrors the dead_letter_status Postgres enum.
type DeadLetterStatus string

const (
	DeadLetterAwaitingIntervention DeadLetterStatus = "awaiting_intervention"
	DeadLetterAcknowledged         DeadLetterStatus = "acknowledged"
	DeadLetterRetried              DeadLetterStatus = "retried"
)

// Priority bounds. Every persisted priority is clamped into this range.
const (
	MinPriority = 0
	MaxPriority = 31
)

// Admin workflow names. These are the scheduler's own internal workflows:
// they never count against active-job caps and their execution records are
// always eligible for cleanup. Populated once at startup, never mutated.
const (
	WorkflowManifestManager    = "manifest-manager"
	WorkflowJobDispatcher      = "job-dispatcher"
	WorkflowTaskServerExecutor = "task-server-executor"
	WorkflowMetadataCleanup    = "metadata-cleanup"
)

// AdminWorkflowNames returns the admin exclusion list as a fresh slice.
func AdminWorkflowNames() []string {
	return []string{
		WorkflowManifestManager,
		WorkflowJobDispatcher,
		WorkflowTaskServerExecutor,
		WorkflowMetadataCleanup,
	}
}

// ClampPriority forces a priority into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// ManifestGroup is a policy bucket shared by a set of manifests: dispatch
// priority, concurrency ceiling, and a kill switch.
type ManifestGroup struct {
	ID            uuid.UUID
	Name          string
	Priority      int
	MaxActiveJobs *int
	IsEnabled     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Manifest is a persistent scheduled-job definition, upsertable by
// ExternalID.
type Manifest struct {
	ID                uuid.UUID
	ExternalID        string
	WorkflowTypeName  string
	Input             json.RawMessage
	InputTypeName     string
	ScheduleType      ScheduleType
	CronExpression    *string
	IntervalSeconds   *int64
	IsEnabled         bool
	IsDormant         bool
	MaxRetries        int
	TimeoutSeconds    *int64
	Priority          int
	GroupID           uuid.UUID
	ParentManifestID  *uuid.UUID
	LastSuccessfulRun *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Interval returns the manifest's interval as a duration, or zero when the
// manifest is not interval-scheduled.
func (m *Manifest) Interval() time.Duration {
	if m.IntervalSeconds == nil {
		return 0
	}
	return time.Duration(*m.IntervalSeconds) * time.Second
}

// Timeout returns the per-run execution deadline, or zero when unbounded.
func (m *Manifest) Timeout() time.Duration {
	if m.TimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*m.TimeoutSeconds) * time.Second
}

// Metadata is one execution attempt of a manifest or ad-hoc trigger.
type Metadata struct {
	ID                    uuid.UUID
	ExternalID            string
	ManifestID            *uuid.UUID
	WorkflowName          string
	Input                 json.RawMessage
	Output                json.RawMessage
	State                 MetadataState
	FailureReason         *string
	ScheduledTime         *time.Time
	StartedAt             *time.Time
	EndedAt               *time.Time
	RetryCount            int
	CurrentlyRunningStep  *string
	CancellationRequested bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkQueueItem is a pending request to dispatch one execution.
type WorkQueueItem struct {
	ID            uuid.UUID
	ExternalID    string
	WorkflowName  string
	Input         json.RawMessage
	InputTypeName string
	ManifestID    *uuid.UUID
	MetadataID    *uuid.UUID
	Priority      int
	RetryCount    int
	Status        WorkQueueStatus
	AvailableAt   time.Time
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

// DeadLetter records a manifest whose retry chain is exhausted and awaits
// manual resolution.
type DeadLetter struct {
	ID                     uuid.UUID
	ManifestID             uuid.UUID
	Reason                 string
	RetryCountAtDeadLetter int
	Status                 DeadLetterStatus
	ResolutionNote         *string
	RetryMetadataID        *uuid.UUID
	ResolvedAt             *time.Time
	CreatedAt              time.Time
}

// DueManifest pairs a manifest with the scheduling context the manifest
// manager needs to decide whether it fires.
type DueManifest struct {
	Manifest          Manifest
	GroupName         string
	GroupPriority     int
	ParentLastSuccess *time.Time
}
