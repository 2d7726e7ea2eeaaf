package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEngineTimeout bounds a single engine call when no timeout is configured.
const DefaultEngineTimeout = 30 * time.Second

// RegisteredEngine is an engine together with its registry-owned settings.
type RegisteredEngine struct {
	Engine  Engine
	Enabled bool
	Timeout time.Duration
	seq     int
}

// EngineInfo describes a registered engine for listings.
type EngineInfo struct {
	Name     string        `json:"name" yaml:"name"`
	Type     EngineType    `json:"type" yaml:"type"`
	Priority int           `json:"priority" yaml:"priority"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// RegisterOption configures an engine at registration.
type RegisterOption func(*RegisteredEngine)

// WithTimeout sets the per-call timeout for the engine.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *RegisteredEngine) {
		if d > 0 {
			r.Timeout = d
		}
	}
}

// Disabled registers the engine in the disabled state.
func Disabled() RegisterOption {
	return func(r *RegisteredEngine) {
		r.Enabled = false
	}
}

// Registry holds the engines an orchestrator can dispatch to.
//
// Readers load an immutable snapshot; writers build a new snapshot and swap it
// in, so toggling an engine never mutates an entry an in-flight call holds.
type Registry struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[[]RegisteredEngine]
	seq      int
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := []RegisteredEngine{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds an engine. Names must be unique.
func (r *Registry) Register(engine Engine, opts ...RegisterOption) error {
	if engine == nil {
		return fmt.Errorf("engine cannot be nil")
	}
	if engine.Name() == "" {
		return fmt.Errorf("engine name is required")
	}
	if err := engine.Type().Validate(); err != nil {
		return fmt.Errorf("engine %s: %w", engine.Name(), err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()
	for _, e := range current {
		if e.Engine.Name() == engine.Name() {
			return fmt.Errorf("engine %s already registered", engine.Name())
		}
	}

	entry := RegisteredEngine{Engine: engine, Enabled: true, Timeout: DefaultEngineTimeout, seq: r.seq}
	r.seq++
	for _, opt := range opts {
		opt(&entry)
	}

	next := make([]RegisteredEngine, len(current), len(current)+1)
	copy(next, current)
	next = append(next, entry)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Engine.Priority() != next[j].Engine.Priority() {
			return next[i].Engine.Priority() < next[j].Engine.Priority()
		}
		return next[i].seq < next[j].seq
	})
	r.snapshot.Store(&next)
	return nil
}

// Enable enables an engine by name.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable disables an engine by name.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()
	next := make([]RegisteredEngine, len(current))
	copy(next, current)

	for i := range next {
		if next[i].Engine.Name() == name {
			next[i].Enabled = enabled
			r.snapshot.Store(&next)
			return nil
		}
	}
	return fmt.Errorf("engine %s not registered", name)
}

// Engines returns enabled engines in priority order. An empty engineType
// returns every enabled engine.
func (r *Registry) Engines(engineType EngineType) []RegisteredEngine {
	current := *r.snapshot.Load()
	out := make([]RegisteredEngine, 0, len(current))
	for _, e := range current {
		if !e.Enabled {
			continue
		}
		if engineType != "" && e.Engine.Type() != engineType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// HasEnabled reports whether at least one engine of engineType is enabled.
func (r *Registry) HasEnabled(engineType EngineType) bool {
	for _, e := range *r.snapshot.Load() {
		if e.Enabled && e.Engine.Type() == engineType {
			return true
		}
	}
	return false
}

// Lookup returns an engine entry by name.
func (r *Registry) Lookup(name string) (RegisteredEngine, bool) {
	for _, e := range *r.snapshot.Load() {
		if e.Engine.Name() == name {
			return e, true
		}
	}
	return RegisteredEngine{}, false
}

// List describes every registered engine, enabled or not, in priority order.
func (r *Registry) List() []EngineInfo {
	current := *r.snapshot.Load()
	out := make([]EngineInfo, len(current))
	for i, e := range current {
		out[i] = EngineInfo{
			Name:     e.Engine.Name(),
			Type:     e.Engine.Type(),
			Priority: e.Engine.Priority(),
			Enabled:  e.Enabled,
			Timeout:  e.Timeout,
		}
	}
	return out
}
