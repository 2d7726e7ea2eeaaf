package stores

import (
	"context"
	"time"

	"github.com/freeshell/conductor/pkg/engines/expert"
	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/policy"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// TaskSummary is a row of the task listing
type TaskSummary struct {
	ID           string                 `json:"id"`
	Intent       string                 `json:"intent"`
	State        orchestrator.TaskState `json:"state"`
	FallbackUsed bool                   `json:"fallback_used"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// TaskFilter narrows a task listing. Zero values match everything.
type TaskFilter struct {
	State  orchestrator.TaskState
	Intent string
	Since  time.Time
	Limit  int
	Offset int
}

// Event represents an append-only lifecycle event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	Type      string     `json:"type"`
	TaskID    *string    `json:"task_id,omitempty"`
	StepID    *string    `json:"step_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "consent.granted", "user.blocked"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // consent key, user id, task id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Task snapshots
	orchestrator.Snapshotter
	GetSnapshot(ctx context.Context, taskID string) (*orchestrator.TaskSnapshot, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskSummary, error)
	DeleteTasksBefore(ctx context.Context, before time.Time) (int64, error)

	// Consents
	policy.ConsentStore

	// Hand-off tickets
	expert.Queue
	GetTicket(ctx context.Context, id string) (*expert.Ticket, error)
	ListTickets(ctx context.Context, status expert.TicketStatus, limit, offset int) ([]*expert.Ticket, error)
	ResolveTicket(ctx context.Context, id, actor, resolution string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, taskID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
