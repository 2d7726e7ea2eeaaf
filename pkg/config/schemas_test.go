package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenes(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = map[string]interface{}{"index": i, "text": "scene", "duration": 2.5}
	}
	return out
}

func TestSchemaRegistry_ValidateOutput(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		step    string
		output  interface{}
		wantErr bool
	}{
		{
			name:   "step without schema",
			step:   "generate_text",
			output: "anything",
		},
		{
			name:   "valid script",
			step:   "generate_script",
			output: map[string]interface{}{"script": "Cats nap.", "word_count": 2, "duration": 0.8},
		},
		{
			name:   "script with extra fields",
			step:   "generate_script",
			output: map[string]interface{}{"script": "Cats nap.", "word_count": 2, "duration": 0.8, "provider": "groq"},
		},
		{
			name:    "script missing text",
			step:    "generate_script",
			output:  map[string]interface{}{"word_count": 2, "duration": 0.8},
			wantErr: true,
		},
		{
			name:    "empty script",
			step:    "generate_script",
			output:  map[string]interface{}{"script": "", "word_count": 0, "duration": 1},
			wantErr: true,
		},
		{
			name:    "script as plain string",
			step:    "generate_script",
			output:  "Cats nap.",
			wantErr: true,
		},
		{
			name:   "three scenes",
			step:   "create_scenes",
			output: scenes(3),
		},
		{
			name:   "ten scenes",
			step:   "create_scenes",
			output: scenes(10),
		},
		{
			name:    "two scenes",
			step:    "create_scenes",
			output:  scenes(2),
			wantErr: true,
		},
		{
			name:    "eleven scenes",
			step:    "create_scenes",
			output:  scenes(11),
			wantErr: true,
		},
		{
			name: "subtitles",
			step: "generate_subtitles",
			output: []interface{}{
				map[string]interface{}{"index": 0, "start": 0.0, "end": 2.5, "text": "Cats nap"},
				map[string]interface{}{"index": 1, "start": 2.5, "end": 5.0, "text": "all day"},
			},
		},
		{
			name: "subtitle ending before it starts",
			step: "generate_subtitles",
			output: []interface{}{
				map[string]interface{}{"index": 0, "start": 3.0, "end": 1.0, "text": "oops"},
			},
			wantErr: true,
		},
		{
			name: "motion preset",
			step: "select_motion",
			output: map[string]interface{}{"motion": map[string]interface{}{
				"eye": "blink_slow", "head": "static", "breath": "soft", "mouth": "smile",
			}},
		},
		{
			name:    "motion as plain string",
			step:    "select_motion",
			output:  map[string]interface{}{"motion": "zoom_in"},
			wantErr: true,
		},
		{
			name:   "rendered video",
			step:   "render_video",
			output: map[string]interface{}{"file_path": "/tmp/out.mp4", "duration": 30},
		},
		{
			name:    "render without file",
			step:    "render_video",
			output:  map[string]interface{}{"file_path": ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateOutput(tt.step, tt.output)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchemaRegistry_RegisterStepSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	assert.Equal(t, []string{"create_scenes", "generate_script", "generate_subtitles", "render_video", "select_motion"}, sr.ListSchemas())

	require.NoError(t, sr.RegisterStepSchema("generate_image", `#Output: {file_path: string, width?: int}`))
	assert.True(t, sr.HasSchema("generate_image"))
	assert.NoError(t, sr.ValidateOutput("generate_image", map[string]interface{}{"file_path": "/tmp/a.png", "width": 512}))
	assert.Error(t, sr.ValidateOutput("generate_image", map[string]interface{}{"path": "/tmp/a.png"}))

	assert.Error(t, sr.RegisterStepSchema("broken", `#Output: {`))
	assert.Error(t, sr.RegisterStepSchema("no_output", `#Result: string`))
	assert.False(t, sr.HasSchema("broken"))
}
