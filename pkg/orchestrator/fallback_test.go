package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFallback(r *Registry) *FallbackManager {
	return NewFallbackManager(DefaultFallbackChain(), r, nil, zerolog.Nop())
}

func TestFallbackChain_Validate(t *testing.T) {
	assert.NoError(t, DefaultFallbackChain().Validate())
	assert.Error(t, FallbackChain{EngineTypeAI: {EngineTypeAI}}.Validate())
	assert.Error(t, FallbackChain{EngineTypeAI: {"oracle"}}.Validate())
	assert.Error(t, FallbackChain{"oracle": {EngineTypeAI}}.Validate())
}

func TestFallbackManager_Order(t *testing.T) {
	m := newTestFallback(NewRegistry())

	tests := []struct {
		name   string
		origin EngineType
		tried  []EngineType
		want   []EngineType
	}{
		{"ai", EngineTypeAI, nil, []EngineType{EngineTypeRule, EngineTypeTemplate}},
		{"rule", EngineTypeRule, nil, []EngineType{EngineTypeTemplate, EngineTypeAI}},
		{"template skips tried", EngineTypeTemplate, []EngineType{EngineTypeRule}, []EngineType{EngineTypeAI}},
		{"expert has none", EngineTypeExpert, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				assert.Equal(t, tt.want, m.Order(tt.origin, tt.tried))
			}
		})
	}
}

func TestFallbackManager_RescueStep(t *testing.T) {
	t.Run("first capable type succeeds", func(t *testing.T) {
		r := NewRegistry()
		tmpl := newFake("tmpl", EngineTypeTemplate, 1, "generate_subtitles")
		ai := newFake("ai", EngineTypeAI, 1)
		require.NoError(t, r.Register(tmpl))
		require.NoError(t, r.Register(ai))

		step := &Step{Name: "generate_subtitles", EngineType: EngineTypeRule}
		rescue := newTestFallback(r).RescueStep(context.Background(), step, nil, []EngineType{EngineTypeRule})

		assert.True(t, rescue.OK)
		assert.Equal(t, "tmpl", rescue.Engine)
		assert.Equal(t, EngineTypeTemplate, rescue.Type)
		assert.Equal(t, 1, rescue.Attempts)
		assert.Equal(t, []EngineType{EngineTypeTemplate}, rescue.Tried)
		assert.Zero(t, ai.calls.Load())
	})

	t.Run("types without engines are walked", func(t *testing.T) {
		step := &Step{Name: "generate_image", EngineType: EngineTypeAI}
		rescue := newTestFallback(NewRegistry()).RescueStep(context.Background(), step, nil, nil)

		assert.False(t, rescue.OK)
		assert.Zero(t, rescue.Attempts)
		assert.Equal(t, []EngineType{EngineTypeRule, EngineTypeTemplate}, rescue.Tried)
	})

	t.Run("definitive failure stops the walk", func(t *testing.T) {
		r := NewRegistry()
		tmpl := newFake("tmpl", EngineTypeTemplate, 1)
		tmpl.run = func(context.Context, string, map[string]interface{}) EngineResult {
			return Definitive("content refused")
		}
		ai := newFake("ai", EngineTypeAI, 1)
		require.NoError(t, r.Register(tmpl))
		require.NoError(t, r.Register(ai))

		step := &Step{Name: "x", EngineType: EngineTypeRule}
		rescue := newTestFallback(r).RescueStep(context.Background(), step, nil, nil)

		assert.False(t, rescue.OK)
		assert.Equal(t, "content refused", rescue.Result.Error)
		assert.Equal(t, []EngineType{EngineTypeTemplate}, rescue.Tried)
		assert.Zero(t, ai.calls.Load())
	})

	t.Run("retryable failure continues", func(t *testing.T) {
		r := NewRegistry()
		tmpl := newFake("tmpl", EngineTypeTemplate, 1)
		tmpl.run = func(context.Context, string, map[string]interface{}) EngineResult {
			return Retryable("busy")
		}
		require.NoError(t, r.Register(tmpl))
		require.NoError(t, r.Register(newFake("ai", EngineTypeAI, 1)))

		step := &Step{Name: "x", EngineType: EngineTypeRule}
		rescue := newTestFallback(r).RescueStep(context.Background(), step, nil, nil)

		assert.True(t, rescue.OK)
		assert.Equal(t, "ai", rescue.Engine)
		assert.Equal(t, 2, rescue.Attempts)
	})
}

func TestInvoker_Timeout(t *testing.T) {
	r := NewRegistry()
	slow := newFake("slow", EngineTypeAI, 1)
	release := make(chan struct{})
	defer close(release)
	slow.run = func(context.Context, string, map[string]interface{}) EngineResult {
		<-release
		return Succeeded("late")
	}
	require.NoError(t, r.Register(slow, WithTimeout(20*time.Millisecond)))

	entry, ok := r.Lookup("slow")
	require.True(t, ok)

	inv := &invoker{observer: nopObserver{}, logger: zerolog.Nop()}
	start := time.Now()
	result := inv.call(context.Background(), entry, "generate_text", nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, result.Success)
	assert.True(t, result.FallbackAvailable)
	assert.Equal(t, ErrCodeTimeout, result.Metadata["code"])
}

func TestInvoker_Panic(t *testing.T) {
	r := NewRegistry()
	bad := newFake("bad", EngineTypeRule, 1)
	bad.run = func(context.Context, string, map[string]interface{}) EngineResult {
		panic("boom")
	}
	require.NoError(t, r.Register(bad))
	entry, _ := r.Lookup("bad")

	inv := &invoker{observer: nopObserver{}, logger: zerolog.Nop()}
	result := inv.call(context.Background(), entry, "x", nil)

	assert.False(t, result.Success)
	assert.True(t, result.FallbackAvailable)
	assert.Contains(t, result.Error, "panicked")
}

func TestFallbackManager_HandOff(t *testing.T) {
	r := NewRegistry()
	var got map[string]interface{}
	expert := newFake("desk", EngineTypeExpert, 1)
	expert.run = func(_ context.Context, stepID string, params map[string]interface{}) EngineResult {
		got = params
		return Succeeded(map[string]interface{}{"status": "queued_for_manual_handling", "ticket_id": "t-1"})
	}
	require.NoError(t, r.Register(expert))

	task := NewTask("task-1", Request{Prompt: "p"})
	task.Intent = Intent{Type: IntentCreateImage}
	failed := &Step{Name: "generate_image"}

	handoff := newTestFallback(r).HandOff(context.Background(), task, failed, "All engines failed")
	require.True(t, handoff.Queued)
	assert.Equal(t, "desk", handoff.Engine)
	assert.Equal(t, "task-1", got["task_id"])
	assert.Equal(t, "generate_image", got["failed_step"])
	assert.Equal(t, IntentCreateImage, got["intent"])

	handoff = newTestFallback(NewRegistry()).HandOff(context.Background(), task, failed, "x")
	assert.False(t, handoff.Queued)
}
