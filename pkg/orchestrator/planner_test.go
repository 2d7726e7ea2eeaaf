package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPlanner_Plan(t *testing.T) {
	planner, err := NewTaskPlanner(DefaultPlans(), IntentGenerateText)
	require.NoError(t, err)

	specs, usedDefault := planner.Plan(IntentCreateShortform)
	assert.False(t, usedDefault)
	require.Len(t, specs, 5)
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		assert.True(t, s.Required)
	}
	assert.Equal(t, []string{"generate_script", "create_scenes", "generate_subtitles", "select_motion", "render_video"}, names)

	specs, usedDefault = planner.Plan("create_hologram")
	assert.True(t, usedDefault)
	require.NotEmpty(t, specs)
	assert.Equal(t, "generate_text", specs[0].Name)
}

func TestTaskPlanner_PlanReturnsCopies(t *testing.T) {
	plans := PlanTable{
		"only": {{Name: "a", EngineType: EngineTypeRule, Required: true, Params: map[string]interface{}{"k": 1}}},
	}
	planner, err := NewTaskPlanner(plans, "only")
	require.NoError(t, err)

	specs, _ := planner.Plan("only")
	specs[0].Params["k"] = 2
	specs[0].Name = "mutated"

	again, _ := planner.Plan("only")
	assert.Equal(t, "a", again[0].Name)
	assert.Equal(t, 1, again[0].Params["k"])
}

func TestNewTaskPlanner_Errors(t *testing.T) {
	tests := []struct {
		name          string
		plans         PlanTable
		defaultIntent string
	}{
		{"missing default", PlanTable{"x": {{Name: "a", EngineType: EngineTypeAI}}}, "y"},
		{"empty default", PlanTable{"y": {}}, "y"},
		{"duplicate step", PlanTable{"y": {{Name: "a", EngineType: EngineTypeAI}, {Name: "a", EngineType: EngineTypeRule}}}, "y"},
		{"bad engine type", PlanTable{"y": {{Name: "a", EngineType: "psychic"}}}, "y"},
		{"unnamed step", PlanTable{"y": {{EngineType: EngineTypeAI}}}, "y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTaskPlanner(tt.plans, tt.defaultIntent)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindPlanningFailure), "got %v", err)
		})
	}
}

func TestBuildSteps(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("rule-1", EngineTypeRule, 1)))
	require.NoError(t, r.Register(newFake("rule-2", EngineTypeRule, 2), Disabled()))

	steps := BuildSteps([]StepSpec{
		{Name: "create_scenes", EngineType: EngineTypeRule, Required: true},
		{Name: "format_output", EngineType: EngineTypeTemplate},
	}, r)

	require.Len(t, steps, 2)
	assert.Equal(t, "create_scenes", steps[0].ID)
	assert.Equal(t, StepStatusPending, steps[0].Status)
	assert.Equal(t, []string{"rule-1"}, steps[0].Candidates)
	assert.Empty(t, steps[1].Candidates)
	assert.False(t, steps[1].Required)
}

func TestMergeParams_Precedence(t *testing.T) {
	merged := MergeParams(
		map[string]interface{}{"style": "static"},
		map[string]interface{}{"style": "accumulated", "create_scenes": []int{1}},
		map[string]interface{}{"style": "raw", "prompt": "p"},
	)
	assert.Equal(t, "static", merged["style"])
	assert.Equal(t, []int{1}, merged["create_scenes"])
	assert.Equal(t, "p", merged["prompt"])

	merged = MergeParams(nil, map[string]interface{}{"prompt": "acc"}, map[string]interface{}{"prompt": "raw"})
	assert.Equal(t, "acc", merged["prompt"])
}
