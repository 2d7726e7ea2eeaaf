package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name   string
		script string
		input  map[string]interface{}
		check  func(*testing.T, map[string]interface{})
	}{
		{
			name:   "arithmetic",
			script: "result = 2 + 2",
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, int64(4), out["result"])
			},
		},
		{
			name:   "input variables",
			script: "doubled = count * 2\nlabel = prompt.upper()",
			input:  map[string]interface{}{"count": 5, "prompt": "cats"},
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, int64(10), out["doubled"])
				assert.Equal(t, "CATS", out["label"])
			},
		},
		{
			name: "functions and private globals",
			script: `
def make_list(n):
    return [i * 2 for i in range(n)]

_scratch = "hidden"
output = make_list(3)
`,
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, []interface{}{int64(0), int64(2), int64(4)}, out["output"])
				assert.NotContains(t, out, "_scratch")
				assert.NotContains(t, out, "make_list")
			},
		},
		{
			name:   "nested input",
			script: `title = params["scene"]["text"] + "!"`,
			input: map[string]interface{}{
				"params": map[string]interface{}{
					"scene": map[string]interface{}{"text": "hello"},
				},
			},
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, "hello!", out["title"])
			},
		},
		{
			name: "helpers",
			script: `
sentences = split_sentences("One. Two! Three?")
words = word_count("the quick brown fox")
low = clamp(1, 3, 10)
high = clamp(42, 3, 10)
`,
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, []interface{}{"One", "Two", "Three"}, out["sentences"])
				assert.Equal(t, int64(4), out["words"])
				assert.Equal(t, int64(3), out["low"])
				assert.Equal(t, int64(10), out["high"])
			},
		},
		{
			name:   "struct and tuple",
			script: `s = struct(motion = "pan", intensity = 0.5)` + "\n" + `pair = (1, "a")`,
			check: func(t *testing.T, out map[string]interface{}) {
				assert.Equal(t, map[string]interface{}{"motion": "pan", "intensity": 0.5}, out["s"])
				assert.Equal(t, []interface{}{int64(1), "a"}, out["pair"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			require.NoError(t, err)
			assert.Empty(t, result.Error)
			tt.check(t, result.Output)
		})
	}
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		input   map[string]interface{}
		wantErr string
	}{
		{name: "syntax error", script: "x = (", wantErr: "starlark execution failed"},
		{name: "runtime error", script: "x = 1 // 0", wantErr: "division by zero"},
		{name: "load is disabled", script: `load("x.star", "y")`, wantErr: "load"},
		{name: "unsupported input", script: "x = 1", input: map[string]interface{}{"c": make(chan int)}, wantErr: "unsupported type"},
		{name: "non-string dict key", script: "d = {1: 2}", wantErr: "dict key must be string"},
		{name: "clamp bounds", script: "x = clamp(1, 10, 3)", wantErr: "lo 10 is greater than hi 3"},
	}

	evaluator := NewStarlarkEvaluator(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, err.Error(), result.Error)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(10 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

x = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"No punctuation", []string{"No punctuation"}},
		{"Cats nap. Dogs run!  Birds sing?", []string{"Cats nap", "Dogs run", "Birds sing"}},
		{"Wait... what?!", []string{"Wait", "what"}},
		{"고양이가 잔다。 개가 뛴다！", []string{"고양이가 잔다", "개가 뛴다"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitSentences(tt.in), tt.in)
	}
}
