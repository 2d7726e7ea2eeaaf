package orchestrator

import (
	"fmt"
	"sort"
)

// PlanTable maps an intent to its ordered step specifications.
type PlanTable map[string][]StepSpec

// DefaultPlans returns the built-in plan table.
func DefaultPlans() PlanTable {
	return PlanTable{
		IntentCreateShortform: {
			{Name: "generate_script", EngineType: EngineTypeAI, Required: true},
			{Name: "create_scenes", EngineType: EngineTypeRule, Required: true},
			{Name: "generate_subtitles", EngineType: EngineTypeRule, Required: true},
			{Name: "select_motion", EngineType: EngineTypeRule, Required: true},
			{Name: "render_video", EngineType: EngineTypeRule, Required: true},
		},
		IntentCreateImage: {
			{Name: "generate_image", EngineType: EngineTypeAI, Required: true},
		},
		IntentCreateMotion: {
			{Name: "select_motion", EngineType: EngineTypeRule, Required: true},
			{Name: "generate_motion", EngineType: EngineTypeAI, Required: true},
			{Name: "apply_motion", EngineType: EngineTypeRule, Required: true},
		},
		IntentGenerateText: {
			{Name: "generate_text", EngineType: EngineTypeAI, Required: true},
			{Name: "format_output", EngineType: EngineTypeTemplate, Required: false},
		},
	}
}

// TaskPlanner turns an intent into an ordered list of steps.
type TaskPlanner struct {
	plans         PlanTable
	defaultIntent string
}

// NewTaskPlanner creates a planner. The default intent must have a non-empty
// plan so that Plan never returns an empty step list.
func NewTaskPlanner(plans PlanTable, defaultIntent string) (*TaskPlanner, error) {
	if len(plans[defaultIntent]) == 0 {
		return nil, NewPlanningFailure(fmt.Sprintf("default intent %q has no plan", defaultIntent), nil)
	}
	copied := make(PlanTable, len(plans))
	for intent, specs := range plans {
		if err := ValidatePlan(specs); err != nil {
			return nil, fmt.Errorf("plan for intent %s: %w", intent, err)
		}
		copied[intent] = append([]StepSpec(nil), specs...)
	}
	return &TaskPlanner{plans: copied, defaultIntent: defaultIntent}, nil
}

// Plan returns the step specifications for intent. An intent without a plan of
// its own resolves to the default plan; usedDefault reports that case.
func (p *TaskPlanner) Plan(intent string) (specs []StepSpec, usedDefault bool) {
	if plan, ok := p.plans[intent]; ok && len(plan) > 0 {
		return cloneSpecs(plan), false
	}
	return cloneSpecs(p.plans[p.defaultIntent]), true
}

// Intents returns the intents that have plans, sorted.
func (p *TaskPlanner) Intents() []string {
	out := make([]string, 0, len(p.plans))
	for intent := range p.plans {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

// BuildSteps materializes step specs into pending steps. Candidates records
// the enabled engines of each step's type at planning time.
func BuildSteps(specs []StepSpec, registry *Registry) []*Step {
	steps := make([]*Step, len(specs))
	for i, spec := range specs {
		step := &Step{
			ID:         spec.StepKey(),
			Name:       spec.Name,
			EngineType: spec.EngineType,
			Required:   spec.Required,
			Params:     spec.Params,
			Status:     StepStatusPending,
		}
		if registry != nil {
			for _, e := range registry.Engines(spec.EngineType) {
				step.Candidates = append(step.Candidates, e.Engine.Name())
			}
		}
		steps[i] = step
	}
	return steps
}

// ValidatePlan checks a plan for structural errors.
func ValidatePlan(specs []StepSpec) error {
	if len(specs) == 0 {
		return NewPlanningFailure("plan has no steps", nil)
	}
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return NewPlanningFailure(fmt.Sprintf("step %d has no name", i), nil)
		}
		if seen[spec.Name] {
			return NewPlanningFailure(fmt.Sprintf("duplicate step %s", spec.Name), nil)
		}
		seen[spec.Name] = true
		if err := spec.EngineType.Validate(); err != nil {
			return NewPlanningFailure(fmt.Sprintf("step %s", spec.Name), err)
		}
	}
	return nil
}

func cloneSpecs(in []StepSpec) []StepSpec {
	out := make([]StepSpec, len(in))
	for i, s := range in {
		out[i] = s
		if s.Params != nil {
			out[i].Params = make(map[string]interface{}, len(s.Params))
			for k, v := range s.Params {
				out[i].Params[k] = v
			}
		}
	}
	return out
}
