package expert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, Ticket) error { return errors.New("disk full") }

func TestEngine_Handoff(t *testing.T) {
	queue := NewMemoryQueue()
	e := New(queue, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	assert.Equal(t, orchestrator.EngineTypeExpert, e.Type())
	assert.True(t, e.CanHandle(orchestrator.ExpertStepID, nil))
	assert.False(t, e.CanHandle("generate_text", nil))

	res := e.Execute(context.Background(), orchestrator.ExpertStepID, map[string]interface{}{
		"task_id":     "task-9",
		"intent":      orchestrator.IntentCreateImage,
		"failed_step": "generate_image",
		"reason":      "All engines failed",
		"request":     map[string]interface{}{"prompt": "a cat"},
	})
	require.True(t, res.Success, res.Error)

	data := res.Data.(map[string]interface{})
	assert.Equal(t, StatusQueued, data["status"])
	id := data["ticket_id"].(string)

	ticket, ok := queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, "task-9", ticket.TaskID)
	assert.Equal(t, "generate_image", ticket.FailedStep)
	assert.Equal(t, TicketOpen, ticket.Status)
	assert.Equal(t, "a cat", ticket.Request["prompt"])
	assert.Equal(t, 2026, ticket.CreatedAt.Year())

	require.NoError(t, queue.Resolve(id, "drawn by hand", time.Now()))
	assert.Error(t, queue.Resolve(id, "again", time.Now()))
	assert.ErrorIs(t, queue.Resolve("missing", "", time.Now()), ErrTicketNotFound)
	assert.Empty(t, queue.List(TicketOpen))
	assert.Len(t, queue.List(""), 1)
}

func TestEngine_Rejections(t *testing.T) {
	res := New(NewMemoryQueue(), zerolog.Nop()).Execute(context.Background(), "generate_text", nil)
	assert.False(t, res.Success)
	assert.False(t, res.FallbackAvailable)

	res = New(failingQueue{}, zerolog.Nop()).Execute(context.Background(), orchestrator.ExpertStepID, map[string]interface{}{"task_id": "t"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
}

func TestEngine_WithOrchestrator(t *testing.T) {
	queue := NewMemoryQueue()
	orch, err := orchestrator.New(orchestrator.Options{
		Plans: orchestrator.PlanTable{
			orchestrator.IntentGenerateText: {{Name: "generate_text", EngineType: orchestrator.EngineTypeAI, Required: true}},
		},
		DefaultIntent: orchestrator.IntentGenerateText,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterEngine(New(queue, zerolog.Nop())))

	env := orch.Process(context.Background(), orchestrator.Request{Prompt: "write a poem"})
	assert.False(t, env.Success)
	assert.True(t, env.Queued)
	assert.True(t, env.FallbackUsed)

	tickets := queue.List(TicketOpen)
	require.Len(t, tickets, 1)
	assert.Equal(t, env.TaskID, tickets[0].TaskID)
	assert.Equal(t, "generate_text", tickets[0].FailedStep)
	assert.Equal(t, tickets[0].ID, env.Data.(map[string]interface{})["ticket_id"])
}
