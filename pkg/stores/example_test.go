package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveSnapshot demonstrates persisting a settled task.
func ExampleSQLiteStore_SaveSnapshot() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	err := store.SaveSnapshot(ctx, orchestrator.TaskSnapshot{
		TaskID:  "task-001",
		Intent:  "create_image",
		State:   orchestrator.TaskStateSuccess,
		Request: orchestrator.Request{Prompt: "a lighthouse at dusk", Type: "image"},
		History: []orchestrator.StateContext{
			{State: orchestrator.TaskStatePending, Timestamp: now},
			{State: orchestrator.TaskStatePlanning, Timestamp: now},
			{State: orchestrator.TaskStateExecuting, Timestamp: now},
			{State: orchestrator.TaskStateSuccess, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		log.Fatal(err)
	}

	snap, err := store.GetSnapshot(ctx, "task-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s %s %d transitions\n", snap.Intent, snap.State, len(snap.History))
	// Output: create_image success 4 transitions
}

// ExampleSQLiteStore_ListTasks demonstrates filtering persisted tasks.
func ExampleSQLiteStore_ListTasks() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	for i, state := range []orchestrator.TaskState{orchestrator.TaskStateSuccess, orchestrator.TaskStateFailed} {
		_ = store.SaveSnapshot(ctx, orchestrator.TaskSnapshot{
			TaskID:    fmt.Sprintf("task-%03d", i+1),
			Intent:    "generate_text",
			State:     state,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		})
	}

	failed, _ := store.ListTasks(ctx, stores.TaskFilter{State: orchestrator.TaskStateFailed})
	for _, t := range failed {
		fmt.Println(t.ID, t.State)
	}
	// Output: task-002 failed
}
