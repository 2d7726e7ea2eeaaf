package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a configurable Engine for tests.
type fakeEngine struct {
	name     string
	typ      EngineType
	priority int
	steps    map[string]bool
	run      func(ctx context.Context, stepID string, params map[string]interface{}) EngineResult
	calls    atomic.Int32
}

func newFake(name string, typ EngineType, priority int, steps ...string) *fakeEngine {
	f := &fakeEngine{name: name, typ: typ, priority: priority}
	if len(steps) > 0 {
		f.steps = make(map[string]bool, len(steps))
		for _, s := range steps {
			f.steps[s] = true
		}
	}
	return f
}

func (f *fakeEngine) Name() string     { return f.name }
func (f *fakeEngine) Type() EngineType { return f.typ }
func (f *fakeEngine) Priority() int    { return f.priority }

func (f *fakeEngine) CanHandle(stepID string, _ map[string]interface{}) bool {
	return f.steps == nil || f.steps[stepID]
}

func (f *fakeEngine) Execute(ctx context.Context, stepID string, params map[string]interface{}) EngineResult {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, stepID, params)
	}
	return Succeeded(map[string]interface{}{"engine": f.name, "step": stepID})
}

// denyGate denies every request with a fixed decision.
type denyGate struct {
	decision GateDecision
	calls    atomic.Int32
}

func (g *denyGate) Check(context.Context, Request) (GateDecision, error) {
	g.calls.Add(1)
	return g.decision, nil
}

// recordingObserver captures events for assertions.
type recordingObserver struct {
	nopObserver
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) Event(_ context.Context, eventType, _, _, _ string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingObserver) has(eventType EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

func newTestOrchestrator(t *testing.T, opts Options, engines ...Engine) *Orchestrator {
	t.Helper()
	opts.Logger = zerolog.New(nil).Level(zerolog.Disabled)
	orch, err := New(opts)
	require.NoError(t, err)
	for _, e := range engines {
		require.NoError(t, orch.RegisterEngine(e))
	}
	return orch
}

func stepByName(t *testing.T, task *Task, name string) Step {
	t.Helper()
	for _, s := range task.StepsSnapshot() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return Step{}
}
