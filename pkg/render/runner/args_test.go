package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/render/protocol"
)

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildVideoArgs(t *testing.T) {
	p := &protocol.VideoParams{
		TaskID:     "t",
		OutputPath: "/out/t.mp4",
		Width:      1080,
		Height:     1920,
		FPS:        30,
		Scenes: []protocol.Scene{
			{Index: 0, Image: "/img/a.png", Start: 0, End: 2.5},
			{Index: 1, Start: 2.5, End: 6, Subtitle: []string{"it's 5:00", "go"}},
		},
		Audio: "/audio/voice.wav",
	}
	args := BuildVideoArgs(p)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-loop 1 -t 2.5 -i /img/a.png")
	assert.Contains(t, joined, "-f lavfi -t 3.5 -i color=c=black:s=1080x1920:r=30")
	assert.Contains(t, joined, "-i /audio/voice.wav -filter_complex")
	assert.Contains(t, joined, "-map 2:a -c:a aac -shortest")
	assert.Equal(t, "/out/t.mp4", args[len(args)-1])

	graph := argAfter(args, "-filter_complex")
	chains := strings.Split(graph, ";")
	require.Len(t, chains, 3)
	assert.True(t, strings.HasPrefix(chains[0], "[0:v]scale=1080:1920"))
	assert.NotContains(t, chains[0], "drawtext")
	assert.Equal(t, 2, strings.Count(chains[1], "drawtext="))
	assert.Contains(t, chains[1], `text='it'\\\''s 5\\:00'`)
	assert.Equal(t, "[v0][v1]concat=n=2:v=1:a=0[out]", chains[2])

	// The last subtitle line sits on the bottom margin.
	assert.Contains(t, chains[1], "text='go':fontcolor=white:fontsize=48:borderw=3:bordercolor=black:x=(w-text_w)/2:y=h-text_h-96")
	assert.Contains(t, chains[1], "y=h-text_h-156")
}

func TestBuildVideoArgs_Silent(t *testing.T) {
	args := BuildVideoArgs(&protocol.VideoParams{
		OutputPath: "/out/a.mp4", Width: 320, Height: 240, FPS: 24,
		Scenes: []protocol.Scene{{Start: 0, End: 1}},
	})
	assert.NotContains(t, args, "-shortest")
	assert.Equal(t, "[out]", argAfter(args, "-map"))
}

func TestBuildMotionArgs(t *testing.T) {
	base := protocol.MotionParams{
		OutputPath: "/out/m.mp4",
		Image:      "/img/face.png",
		Duration:   8,
		Width:      512,
		Height:     512,
		FPS:        25,
	}

	tests := []struct {
		name      string
		motion    map[string]string
		keyframes []protocol.Keyframe
		contains  []string
		excludes  []string
		unknown   []string
	}{
		{
			name:     "neutral presets add nothing",
			motion:   map[string]string{"eye": "none", "head": "static", "breath": "none", "mouth": "neutral"},
			excludes: []string{"zoompan", "rotate", "eq="},
		},
		{
			name:     "base presets",
			motion:   map[string]string{"breath": "soft", "eye": "blink_slow"},
			contains: []string{"zoompan=z='1+0.006*sin(2*PI*on/(25*4))':d=1:s=512x512:fps=25", "eq=eval=frame:brightness='-0.08*lt(mod(t,4),0.15)'"},
			excludes: []string{"enable="},
		},
		{
			name:   "keyframes window timeline presets",
			motion: map[string]string{"head": "static", "mouth": "neutral"},
			keyframes: []protocol.Keyframe{
				{T: 5, Channel: "head", Preset: "static"},
				{T: 2, Channel: "head", Preset: "tilt_left"},
				{T: 3, Channel: "mouth", Preset: "smile"},
				{T: 20, Channel: "mouth", Preset: "neutral"},
			},
			contains: []string{
				"rotate='-0.03*sin(2*PI*t/4)':fillcolor=black:enable='between(t,2,5)'",
				"eq=saturation=1.12:contrast=1.04:enable='between(t,3,8)'",
			},
		},
		{
			name:    "unknown presets reported",
			motion:  map[string]string{"head": "spin", "mouth": "neutral"},
			unknown: []string{"head:spin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Motion = tt.motion
			p.Keyframes = tt.keyframes
			args, unknown := BuildMotionArgs(&p)

			vf := argAfter(args, "-vf")
			assert.True(t, strings.HasPrefix(vf, "scale=512:512:force_original_aspect_ratio=increase,crop=512:512"))
			assert.True(t, strings.HasSuffix(vf, "fps=25,format=yuv420p"))
			for _, s := range tt.contains {
				assert.Contains(t, vf, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, vf, s)
			}
			assert.Equal(t, tt.unknown, unknown)
			assert.Equal(t, "/img/face.png", argAfter(args, "-i"))
			assert.Equal(t, "/out/m.mp4", args[len(args)-1])
		})
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{line: "out_time_us=1500000", want: 1500, ok: true},
		{line: "out_time_ms=2000000", want: 2000, ok: true},
		{line: "out_time=00:00:01.500000"},
		{line: "out_time_us=N/A"},
		{line: "progress=end"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.Milliseconds())
		})
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}
