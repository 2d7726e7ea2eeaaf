// Package expert implements the human hand-off engine. When every automated
// engine has failed a step, the orchestrator passes the whole task here and
// the engine files a ticket for manual handling.
package expert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

// DefaultName is the registry name used when none is configured.
const DefaultName = "expert_engine"

// StatusQueued is the status reported for a filed ticket.
const StatusQueued = "queued_for_manual_handling"

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketResolved TicketStatus = "resolved"
)

// Ticket is a task waiting for a human.
type Ticket struct {
	ID         string                 `json:"id" yaml:"id"`
	TaskID     string                 `json:"task_id" yaml:"task_id"`
	Intent     string                 `json:"intent" yaml:"intent"`
	FailedStep string                 `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Reason     string                 `json:"reason" yaml:"reason"`
	Request    map[string]interface{} `json:"request,omitempty" yaml:"request,omitempty"`
	Status     TicketStatus           `json:"status" yaml:"status"`
	Resolution string                 `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	CreatedAt  time.Time              `json:"created_at" yaml:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// ErrTicketNotFound is returned for unknown ticket ids.
var ErrTicketNotFound = errors.New("ticket not found")

// Queue stores tickets.
type Queue interface {
	Enqueue(ctx context.Context, ticket Ticket) error
}

// Engine files hand-off tickets.
type Engine struct {
	name     string
	priority int
	queue    Queue
	now      func() time.Time
	logger   zerolog.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithPriority sets the priority within the expert type.
func WithPriority(p int) Option {
	return func(e *Engine) { e.priority = p }
}

// New creates an expert engine backed by queue.
func New(queue Queue, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:     DefaultName,
		priority: 10,
		queue:    queue,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With().Str("engine", e.name).Logger()
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return orchestrator.EngineTypeExpert }

func (e *Engine) Priority() int { return e.priority }

// CanHandle accepts only task hand-offs.
func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	return stepID == orchestrator.ExpertStepID
}

// Execute files a ticket and reports it as queued.
func (e *Engine) Execute(ctx context.Context, stepID string, p map[string]interface{}) orchestrator.EngineResult {
	start := time.Now()
	if stepID != orchestrator.ExpertStepID {
		return orchestrator.Definitive(fmt.Sprintf("expert engine only accepts %s", orchestrator.ExpertStepID))
	}

	ticket := Ticket{
		ID:         uuid.New().String(),
		TaskID:     params.String(p, "task_id", ""),
		Intent:     params.String(p, "intent", ""),
		FailedStep: params.String(p, "failed_step", ""),
		Reason:     params.String(p, "reason", orchestrator.MsgAllEnginesFailed),
		Request:    params.Map(p, "request"),
		Status:     TicketOpen,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.queue.Enqueue(ctx, ticket); err != nil {
		e.logger.Error().Err(err).Str("task_id", ticket.TaskID).Msg("Failed to file ticket")
		return orchestrator.Definitive(fmt.Sprintf("failed to file ticket: %v", err))
	}

	e.logger.Info().
		Str("ticket_id", ticket.ID).
		Str("task_id", ticket.TaskID).
		Str("failed_step", ticket.FailedStep).
		Msg("Ticket filed")

	result := orchestrator.Succeeded(map[string]interface{}{
		"status":    StatusQueued,
		"ticket_id": ticket.ID,
	})
	result.ExecutionTime = time.Since(start)
	return result.WithMetadata("engine", e.name)
}

// MemoryQueue keeps tickets in process.
type MemoryQueue struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tickets: make(map[string]Ticket)}
}

// Enqueue stores ticket.
func (q *MemoryQueue) Enqueue(_ context.Context, ticket Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tickets[ticket.ID]; exists {
		return fmt.Errorf("ticket %s already exists", ticket.ID)
	}
	q.tickets[ticket.ID] = ticket
	return nil
}

// Get returns the ticket with id.
func (q *MemoryQueue) Get(id string) (Ticket, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tickets[id]
	return t, ok
}

// List returns tickets oldest first, optionally filtered by status.
func (q *MemoryQueue) List(status TicketStatus) []Ticket {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Ticket, 0, len(q.tickets))
	for _, t := range q.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve closes an open ticket.
func (q *MemoryQueue) Resolve(id, resolution string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	if t.Status == TicketResolved {
		return fmt.Errorf("ticket %s already resolved", id)
	}
	t.Status = TicketResolved
	t.Resolution = resolution
	t.ResolvedAt = &at
	q.tickets[id] = t
	return nil
}
