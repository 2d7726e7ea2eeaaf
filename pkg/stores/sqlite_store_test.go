package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/engines/expert"
	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/policy"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNewSQLiteStore(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)

	s, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, s.cfg.MaxOpenConns)

	s, err = NewSQLiteStore(Config{Path: "conductor.db"})
	require.NoError(t, err)
	assert.Equal(t, 25, s.cfg.MaxOpenConns)
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"tasks", "task_history", "events", "audit", "consents", "blocked_users", "tickets"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}

	// Re-running is a no-op.
	assert.NoError(t, store.Migrate(ctx))
	assert.NoError(t, store.HealthCheck(ctx))
}

func TestStoreFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("t-file", time.Now())))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx))
	require.NoError(t, reopened.Migrate(ctx))
	defer reopened.Close()

	snap, err := reopened.GetSnapshot(ctx, "t-file")
	require.NoError(t, err)
	assert.Equal(t, "t-file", snap.TaskID)
}

func testSnapshot(id string, at time.Time) orchestrator.TaskSnapshot {
	return orchestrator.TaskSnapshot{
		TaskID:  id,
		Intent:  "generate_text",
		State:   orchestrator.TaskStateSuccess,
		Request: orchestrator.Request{Prompt: "write a poem", UserID: "u1"},
		Steps: []orchestrator.Step{
			{
				ID:         "generate_text",
				Name:       "generate_text",
				EngineType: orchestrator.EngineTypeAI,
				Required:   true,
				Status:     orchestrator.StepStatusSuccess,
				Result:     "roses are red",
				Attempts:   2,
				EngineUsed: "rule_engine",
				TriedTypes: []orchestrator.EngineType{orchestrator.EngineTypeAI, orchestrator.EngineTypeRule},
			},
		},
		History: []orchestrator.StateContext{
			{State: orchestrator.TaskStatePending, Timestamp: at},
			{State: orchestrator.TaskStatePlanning, Timestamp: at},
			{State: orchestrator.TaskStateExecuting, Timestamp: at},
			{State: orchestrator.TaskStateSuccess, Timestamp: at, StepID: "generate_text", Engine: "rule_engine", Metadata: map[string]interface{}{"attempts": 2}},
		},
		Result: &orchestrator.Envelope{
			Success:      true,
			Data:         map[string]interface{}{"generate_text": "roses are red"},
			TaskID:       id,
			FallbackUsed: true,
		},
		FallbackUsed: true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("t-1", at)))

	snap, err := store.GetSnapshot(ctx, "t-1")
	require.NoError(t, err)

	assert.Equal(t, orchestrator.TaskStateSuccess, snap.State)
	assert.True(t, snap.FallbackUsed)
	assert.Equal(t, "write a poem", snap.Request.Prompt)
	assert.True(t, snap.CreatedAt.Equal(at))

	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "rule_engine", snap.Steps[0].EngineUsed)
	assert.Equal(t, []orchestrator.EngineType{"ai", "rule"}, snap.Steps[0].TriedTypes)
	assert.Equal(t, "roses are red", snap.Steps[0].Result)

	require.Len(t, snap.History, 4)
	assert.Equal(t, orchestrator.TaskStatePending, snap.History[0].State)
	assert.Equal(t, "rule_engine", snap.History[3].Engine)
	assert.Equal(t, float64(2), snap.History[3].Metadata["attempts"])

	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Success)
}

func TestSnapshotUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Now()

	snap := testSnapshot("t-1", at)
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	snap.State = orchestrator.TaskStateCompleted
	snap.History = append(snap.History, orchestrator.StateContext{State: orchestrator.TaskStateCompleted, Timestamp: at})
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, err := store.GetSnapshot(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskStateCompleted, got.State)
	assert.Len(t, got.History, 5)
}

func TestGetSnapshot_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
}

func TestListAndDeleteTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	oldSnap := testSnapshot("t-old", old)
	oldSnap.State = orchestrator.TaskStateFailed
	oldSnap.Intent = "create_image"
	require.NoError(t, store.SaveSnapshot(ctx, oldSnap))
	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("t-new", recent)))

	taskID := "t-old"
	require.NoError(t, store.AppendEvent(ctx, &Event{EventID: "e1", Type: "task.created", TaskID: &taskID, Level: EventLevelInfo}))

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all newest first", TaskFilter{}, []string{"t-new", "t-old"}},
		{"by state", TaskFilter{State: orchestrator.TaskStateFailed}, []string{"t-old"}},
		{"by intent", TaskFilter{Intent: "generate_text"}, []string{"t-new"}},
		{"since", TaskFilter{Since: time.Now().Add(-time.Hour)}, []string{"t-new"}},
		{"limit", TaskFilter{Limit: 1}, []string{"t-new"}},
		{"offset", TaskFilter{Limit: 1, Offset: 1}, []string{"t-old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := store.ListTasks(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := store.DeleteTasksBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetSnapshot(ctx, "t-old")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)

	events, err := store.GetEvents(ctx, &taskID, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	var historyRows int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history WHERE task_id = ?", "t-old").Scan(&historyRows))
	assert.Zero(t, historyRows)
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	t1, t2 := "t-1", "t-2"

	events := []*Event{
		{EventID: "e1", Type: "task.created", TaskID: &t1, Level: EventLevelInfo, Message: "create_image"},
		{EventID: "e2", Type: "step.fallback", TaskID: &t1, Level: EventLevelWarning, Message: "rule"},
		{EventID: "e3", Type: "task.created", TaskID: &t2, Level: EventLevelInfo},
	}
	for _, e := range events {
		require.NoError(t, store.AppendEvent(ctx, e))
		assert.NotZero(t, e.ID)
	}

	got, err := store.GetEvents(ctx, &t1, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task.created", got[0].Type)
	assert.Equal(t, "step.fallback", got[1].Type)

	warning := EventLevelWarning
	got, err = store.GetEvents(ctx, nil, &warning, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].EventID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestConsentPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	registry := policy.NewConsentRegistry(store, zerolog.Nop())
	rec, err := registry.Grant(ctx, policy.ConsentRecord{
		UserID:        "u1",
		SubjectName:   "Grandma Choi",
		SubjectStatus: "deceased",
		ContentType:   "memorial",
		Purpose:       "memorial",
		ConsentType:   "family",
		Proof:         "doc-17",
	})
	require.NoError(t, err)
	require.NoError(t, registry.Block(ctx, "spammer", "abuse"))

	reloaded := policy.NewConsentRegistry(store, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Lookup("u1", "Grandma Choi", "memorial", "memorial")
	require.True(t, ok)
	assert.Equal(t, "doc-17", got.Proof)
	assert.True(t, got.GrantedAt.Equal(rec.GrantedAt))
	assert.True(t, reloaded.IsBlocked("spammer"))

	require.NoError(t, reloaded.Revoke(ctx, "u1", "Grandma Choi", "memorial"))
	consents, err := store.ListConsents(ctx)
	require.NoError(t, err)
	assert.Empty(t, consents)

	assert.ErrorIs(t, store.DeleteConsent(ctx, rec.Key()), policy.ErrConsentNotFound)

	entries, err := store.ListAuditEntries(ctx, nil, nil, 0, 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"consent.revoked", "user.blocked", "consent.granted"}, actions)

	action := "consent.granted"
	entries, err = store.ListAuditEntries(ctx, &action, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].Actor)
	require.NotNil(t, entries[0].TargetID)
	assert.Equal(t, "u1:Grandma Choi:memorial", *entries[0].TargetID)
}

func TestOrchestratorPersistsSnapshots(t *testing.T) {
	store := setupTestStore(t)

	orch, err := orchestrator.New(orchestrator.Options{Snapshotter: store})
	require.NoError(t, err)

	env := orch.Process(context.Background(), orchestrator.Request{Prompt: "write a poem"})
	require.False(t, env.Success)
	require.NotEmpty(t, env.TaskID)

	snap, err := store.GetSnapshot(context.Background(), env.TaskID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskStateFailed, snap.State)
	assert.Equal(t, "generate_text", snap.Intent)
	assert.NotEmpty(t, snap.History)
}

func TestTickets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	orch, err := orchestrator.New(orchestrator.Options{Snapshotter: store})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterEngine(expert.New(store, zerolog.Nop())))

	env := orch.Process(ctx, orchestrator.Request{Prompt: "draw a cat", Type: "image"})
	require.True(t, env.Queued)
	ticketID := env.Data.(map[string]interface{})["ticket_id"].(string)

	open, err := store.ListTickets(ctx, expert.TicketOpen, 0, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ticketID, open[0].ID)
	assert.Equal(t, env.TaskID, open[0].TaskID)
	assert.Equal(t, "generate_image", open[0].FailedStep)
	assert.Equal(t, "draw a cat", open[0].Request["prompt"])

	require.NoError(t, store.ResolveTicket(ctx, ticketID, "ops", "drawn by hand"))
	assert.Error(t, store.ResolveTicket(ctx, ticketID, "ops", "again"))
	assert.ErrorIs(t, store.ResolveTicket(ctx, "missing", "ops", ""), expert.ErrTicketNotFound)

	got, err := store.GetTicket(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, expert.TicketResolved, got.Status)
	assert.Equal(t, "drawn by hand", got.Resolution)
	require.NotNil(t, got.ResolvedAt)

	_, err = store.GetTicket(ctx, "missing")
	assert.ErrorIs(t, err, expert.ErrTicketNotFound)

	open, err = store.ListTickets(ctx, expert.TicketOpen, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	action := "ticket.resolved"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops", entries[0].Actor)
}
