package rule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithOutputDir(t.TempDir())}, opts...)
	return New(zerolog.Nop(), opts...)
}

func TestEngine_Identity(t *testing.T) {
	e := newTestEngine(t, WithName("rules"), WithPriority(3), WithScripts(map[string]string{"shout": "output = 1"}))

	assert.Equal(t, "rules", e.Name())
	assert.Equal(t, orchestrator.EngineTypeRule, e.Type())
	assert.Equal(t, 3, e.Priority())
	assert.True(t, e.CanHandle("create_scenes", nil))
	assert.True(t, e.CanHandle("shout", nil))
	assert.False(t, e.CanHandle("generate_image", nil))
	assert.Equal(t, []string{
		"apply_motion", "create_scenes", "format_output", "generate_script",
		"generate_subtitles", "render_video", "select_motion", "shout",
	}, e.Steps())
}

func TestEngine_GenerateScript(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		params    map[string]interface{}
		wantWords int
		wantStart string
	}{
		{
			name:      "duration from request",
			params:    map[string]interface{}{"prompt": "cats playing piano in the rain today", "duration": 10},
			wantWords: 25,
			wantStart: "A short story about cats playing piano in the.",
		},
		{
			name:      "default duration",
			params:    map[string]interface{}{"prompt": "cats"},
			wantWords: 75,
			wantStart: "A short story about cats.",
		},
		{
			name:      "empty prompt",
			params:    map[string]interface{}{"duration": 4.0},
			wantWords: 10,
			wantStart: "A short story about today's topic.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(ctx, "generate_script", tt.params)
			require.True(t, res.Success, res.Error)

			out := res.Data.(map[string]interface{})
			script := out["script"].(string)
			assert.Len(t, strings.Fields(script), tt.wantWords)
			assert.Equal(t, tt.wantWords, out["word_count"])
			assert.True(t, strings.HasPrefix(script, tt.wantStart), script)
			assert.Equal(t, DefaultName, res.Metadata["engine"])
		})
	}
}

func TestEngine_CreateScenes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		duration  int
		wantTexts []string
	}{
		{
			name:      "one scene per sentence",
			script:    "One. Two! Three? Four.",
			duration:  20,
			wantTexts: []string{"One", "Two", "Three", "Four"},
		},
		{
			name:      "short script split on words",
			script:    "cats nap all day long",
			duration:  30,
			wantTexts: []string{"cats", "nap", "all day long"},
		},
		{
			name:      "tiny script repeats",
			script:    "hi there",
			duration:  30,
			wantTexts: []string{"hi", "there", "there"},
		},
		{
			name:      "capped at ten",
			script:    strings.Repeat("Line. ", 12),
			duration:  30,
			wantTexts: []string{"Line", "Line", "Line", "Line", "Line", "Line", "Line", "Line", "Line", "Line"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(ctx, "create_scenes", map[string]interface{}{
				"generate_script": map[string]interface{}{"script": tt.script},
				"duration":        tt.duration,
			})
			require.True(t, res.Success, res.Error)

			scenes := res.Data.([]interface{})
			require.Len(t, scenes, len(tt.wantTexts))
			per := float64(tt.duration) / float64(len(tt.wantTexts))
			for i, s := range scenes {
				scene := s.(map[string]interface{})
				assert.Equal(t, tt.wantTexts[i], scene["text"])
				assert.Equal(t, i, scene["index"])
				assert.InDelta(t, per, scene["duration"], 1e-9)
				assert.InDelta(t, per*float64(i), scene["start"], 1e-9)
			}
			assert.Equal(t, "scene_001", scenes[0].(map[string]interface{})["id"])
		})
	}

	res := e.Execute(ctx, "create_scenes", map[string]interface{}{})
	assert.False(t, res.Success)
	assert.True(t, res.FallbackAvailable)
}

func TestEngine_ShortformPipeline(t *testing.T) {
	e := newTestEngine(t)
	schemas := config.NewSchemaRegistry()
	ctx := context.Background()

	acc := map[string]interface{}{"prompt": "a happy grandma nods at the camera", "duration": 12, "task_id": "task-1"}
	for _, step := range []string{"generate_script", "create_scenes", "generate_subtitles", "select_motion", "render_video"} {
		res := e.Execute(ctx, step, acc)
		require.True(t, res.Success, "%s: %s", step, res.Error)
		require.NoError(t, schemas.ValidateOutput(step, res.Data), step)
		acc[step] = res.Data
	}

	motion := acc["select_motion"].(map[string]interface{})["motion"].(map[string]interface{})
	assert.Equal(t, "smile", motion["mouth"])
	assert.Equal(t, "tilt_left", motion["head"])
	assert.Equal(t, "blink_slow", motion["eye"])

	subs := acc["generate_subtitles"].([]interface{})
	assert.Len(t, subs, len(acc["create_scenes"].([]interface{})))

	render := acc["render_video"].(map[string]interface{})
	path := render["file_path"].(string)
	assert.Equal(t, "task-1.timeline.yaml", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var tl map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &tl))
	assert.Equal(t, "task-1", tl["task_id"])
	assert.Len(t, tl["scenes"], render["scene_count"].(int))
}

func TestEngine_ApplyMotion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res := e.Execute(ctx, "apply_motion", map[string]interface{}{"task_id": "m-1"})
	assert.False(t, res.Success)
	assert.True(t, res.FallbackAvailable)

	res = e.Execute(ctx, "apply_motion", map[string]interface{}{
		"task_id":         "m-1",
		"select_motion":   map[string]interface{}{"motion": map[string]interface{}{"eye": "blink_slow"}},
		"generate_motion": map[string]interface{}{"frames": 24},
	})
	require.True(t, res.Success, res.Error)
	out := res.Data.(map[string]interface{})
	assert.Equal(t, "timeline", out["format"])
	assert.FileExists(t, out["file_path"].(string))
}

func TestEngine_FormatOutput(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res := e.Execute(ctx, "format_output", map[string]interface{}{"generate_text": map[string]interface{}{"text": "  Hello there world \n"}})
	require.True(t, res.Success)
	assert.Equal(t, map[string]interface{}{"text": "Hello there world", "word_count": 3, "format": "plain"}, res.Data)

	res = e.Execute(ctx, "format_output", map[string]interface{}{"generate_text": "plain string"})
	require.True(t, res.Success)

	res = e.Execute(ctx, "format_output", map[string]interface{}{})
	assert.False(t, res.Success)
	assert.True(t, res.FallbackAvailable)
}

func TestEngine_Scripts(t *testing.T) {
	e := newTestEngine(t, WithScripts(map[string]string{
		"shout":         "output = prompt.upper()",
		"select_motion": `output = {"motion": {"eye": "wink", "head": "static", "breath": "soft", "mouth": "neutral"}}`,
		"count_scenes":  `output = len(params.get("create_scenes", []))`,
		"silent":        "x = 1",
		"broken":        "output = 1 // 0",
	}))
	ctx := context.Background()

	tests := []struct {
		name    string
		step    string
		params  map[string]interface{}
		want    interface{}
		wantErr string
	}{
		{name: "globals", step: "shout", params: map[string]interface{}{"prompt": "cats"}, want: "CATS"},
		{
			name: "replaces built-in",
			step: "select_motion",
			want: map[string]interface{}{"motion": map[string]interface{}{"eye": "wink", "head": "static", "breath": "soft", "mouth": "neutral"}},
		},
		{
			name:   "params dict",
			step:   "count_scenes",
			params: map[string]interface{}{"create_scenes": []interface{}{"a", "b"}},
			want:   int64(2),
		},
		{name: "missing output", step: "silent", wantErr: "did not set output"},
		{name: "runtime error", step: "broken", wantErr: "division by zero"},
		{name: "unknown step", step: "generate_image", wantErr: "unknown step"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.params
			if p == nil {
				p = map[string]interface{}{}
			}
			res := e.Execute(ctx, tt.step, p)
			if tt.wantErr != "" {
				assert.False(t, res.Success)
				assert.True(t, res.FallbackAvailable)
				assert.Contains(t, res.Error, tt.wantErr)
				return
			}
			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.want, res.Data)
			assert.Equal(t, "script", res.Metadata["source"])
		})
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Execute(ctx, "generate_script", map[string]interface{}{"prompt": "x"})
	assert.False(t, res.Success)
	assert.True(t, res.FallbackAvailable)
}

func TestEngine_SubtitleLines(t *testing.T) {
	e := New(zerolog.Nop())
	long := "The garden was full of roses and tulips every spring, and grandma tended them each morning"

	res := e.Execute(context.Background(), "generate_subtitles", map[string]interface{}{
		"create_scenes": []interface{}{
			map[string]interface{}{"start": 0.0, "end": 4.0, "text": long},
			map[string]interface{}{"start": 4.0, "end": 6.0, "text": "Short line."},
		},
	})
	require.True(t, res.Success, res.Error)

	subs := res.Data.([]interface{})
	first := subs[0].(map[string]interface{})
	lines := first["lines"].([]interface{})
	require.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l.(string)), subtitleWidth)
	}
	assert.Equal(t, []interface{}{"Short line."}, subs[1].(map[string]interface{})["lines"])
	assert.NoError(t, config.NewSchemaRegistry().ValidateOutput("generate_subtitles", subs))

	res = e.Execute(context.Background(), "generate_subtitles", map[string]interface{}{})
	assert.False(t, res.Success)
	assert.True(t, res.FallbackAvailable)
}
