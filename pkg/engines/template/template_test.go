package template

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

func TestNew(t *testing.T) {
	e, err := New(map[string]string{"summary": "{{ upper .prompt }}"}, zerolog.Nop(), WithName("tmpl"), WithPriority(2))
	require.NoError(t, err)

	assert.Equal(t, "tmpl", e.Name())
	assert.Equal(t, orchestrator.EngineTypeTemplate, e.Type())
	assert.Equal(t, 2, e.Priority())
	assert.Equal(t, []string{"format_output", "generate_script", "generate_text", "summary"}, e.Steps())
	assert.True(t, e.CanHandle("summary", nil))
	assert.False(t, e.CanHandle("render_video", nil))

	_, err = New(map[string]string{"broken": "{{ .prompt "}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestEngine_Execute(t *testing.T) {
	e, err := New(map[string]string{
		"summary":  "{{ upper .prompt }}",
		"tags":     `[{{ json .prompt }}, "video"]`,
		"almost":   "{not json",
		"pick":     "{{ index .items 5 }}",
		"joined":   `{{ join ", " .items }}`,
		"optional": "{{ if .missing }}x{{ end }}",
	}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name    string
		step    string
		params  map[string]interface{}
		want    interface{}
		wantErr string
	}{
		{
			name:   "generate text",
			step:   "generate_text",
			params: map[string]interface{}{"prompt": "  cats at play "},
			want:   map[string]interface{}{"text": "cats at play.", "word_count": 3},
		},
		{
			name:   "generate text without prompt",
			step:   "generate_text",
			params: map[string]interface{}{"prompt": ""},
			want:   map[string]interface{}{"text": "No prompt was given.", "word_count": 4},
		},
		{
			name:   "format previous output",
			step:   "format_output",
			params: map[string]interface{}{"generate_text": map[string]interface{}{"text": " Hello world. "}},
			want:   map[string]interface{}{"text": "Hello world.", "word_count": 2},
		},
		{
			name:    "format without text",
			step:    "format_output",
			params:  map[string]interface{}{},
			wantErr: "rendered nothing",
		},
		{
			name:   "custom template",
			step:   "summary",
			params: map[string]interface{}{"prompt": "cats"},
			want:   map[string]interface{}{"text": "CATS", "word_count": 1},
		},
		{
			name:   "json array output",
			step:   "tags",
			params: map[string]interface{}{"prompt": "cats"},
			want:   []interface{}{"cats", "video"},
		},
		{
			name:   "brace without json",
			step:   "almost",
			params: map[string]interface{}{},
			want:   map[string]interface{}{"text": "{not json", "word_count": 2},
		},
		{
			name:   "join list",
			step:   "joined",
			params: map[string]interface{}{"items": []interface{}{"a", 2, 2.5}},
			want:   map[string]interface{}{"text": "a, 2, 2.5", "word_count": 3},
		},
		{
			name:    "execution error",
			step:    "pick",
			params:  map[string]interface{}{"items": []interface{}{"only"}},
			wantErr: "template pick",
		},
		{
			name:    "empty output",
			step:    "optional",
			params:  map[string]interface{}{},
			wantErr: "rendered nothing",
		},
		{
			name:    "unknown step",
			step:    "render_video",
			params:  map[string]interface{}{},
			wantErr: "no template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(ctx, tt.step, tt.params)
			if tt.wantErr != "" {
				assert.False(t, res.Success)
				assert.True(t, res.FallbackAvailable)
				assert.Contains(t, res.Error, tt.wantErr)
				return
			}
			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.want, res.Data)
			assert.Equal(t, DefaultName, res.Metadata["engine"])
		})
	}
}

func TestEngine_GenerateScriptMatchesSchema(t *testing.T) {
	e, err := New(nil, zerolog.Nop())
	require.NoError(t, err)

	res := e.Execute(context.Background(), "generate_script", map[string]interface{}{"prompt": "cats nap", "duration": 12})
	require.True(t, res.Success, res.Error)

	out := res.Data.(map[string]interface{})
	assert.Equal(t, "A short story about cats nap. Thank you for watching.", out["script"])
	assert.Equal(t, float64(10), out["word_count"])
	assert.Equal(t, float64(12), out["duration"])
	assert.NoError(t, config.NewSchemaRegistry().ValidateOutput("generate_script", out))
}
