package runner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freeshell/conductor/pkg/render/protocol"
)

const (
	subtitleFontSize = 48
	subtitleMargin   = 96
)

// BuildVideoArgs returns the ffmpeg arguments that render p. Scenes without
// an image are rendered on a solid background.
func BuildVideoArgs(p *protocol.VideoParams) []string {
	var args []string
	for _, scene := range p.Scenes {
		dur := formatFloat(scene.Duration())
		if scene.Image != "" {
			args = append(args, "-loop", "1", "-t", dur, "-i", scene.Image)
		} else {
			args = append(args, "-f", "lavfi", "-t", dur, "-i", colorSource(p.Width, p.Height, p.FPS))
		}
	}
	audioInput := -1
	if p.Audio != "" {
		audioInput = len(p.Scenes)
		args = append(args, "-i", p.Audio)
	}

	chains := make([]string, 0, len(p.Scenes)+1)
	var concat strings.Builder
	for i, scene := range p.Scenes {
		filters := []string{
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", p.Width, p.Height),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", p.Width, p.Height),
			"setsar=1",
			fmt.Sprintf("fps=%d", p.FPS),
		}
		filters = append(filters, subtitleFilters(scene.Subtitle)...)
		chains = append(chains, fmt.Sprintf("[%d:v]%s[v%d]", i, strings.Join(filters, ","), i))
		fmt.Fprintf(&concat, "[v%d]", i)
	}
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[out]", concat.String(), len(p.Scenes)))

	args = append(args, "-filter_complex", strings.Join(chains, ";"), "-map", "[out]")
	if audioInput >= 0 {
		args = append(args, "-map", fmt.Sprintf("%d:a", audioInput), "-c:a", "aac", "-shortest")
	}
	return append(args, encoderArgs(p.OutputPath)...)
}

// subtitleFilters draws each line centred near the bottom, last line lowest.
func subtitleFilters(lines []string) []string {
	filters := make([]string, 0, len(lines))
	lineHeight := subtitleFontSize + subtitleFontSize/4
	for i, line := range lines {
		offset := subtitleMargin + (len(lines)-1-i)*lineHeight
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=white:fontsize=%d:borderw=3:bordercolor=black:x=(w-text_w)/2:y=h-text_h-%d",
			escapeDrawtext(line), subtitleFontSize, offset))
	}
	return filters
}

// motionPreset is the filter for one channel preset. Timeline presets can be
// limited to a time window with enable=.
type motionPreset struct {
	filter   string
	timeline bool
}

// motionPresets maps channel and preset name to a filter. Presets missing
// here, and the neutral ones mapped to "", add nothing.
var motionPresets = map[string]map[string]motionPreset{
	"breath": {
		"none": {},
		"soft": {filter: "zoompan=z='1+0.006*sin(2*PI*on/({fps}*4))':d=1:s={size}:fps={fps}"},
		"deep": {filter: "zoompan=z='1+0.015*sin(2*PI*on/({fps}*6))':d=1:s={size}:fps={fps}"},
	},
	"head": {
		"static":     {},
		"tilt_left":  {filter: "rotate='-0.03*sin(2*PI*t/4)':fillcolor=black", timeline: true},
		"tilt_right": {filter: "rotate='0.03*sin(2*PI*t/4)':fillcolor=black", timeline: true},
		"nod_slow":   {filter: "rotate='0.015*sin(2*PI*t/2)':fillcolor=black", timeline: true},
	},
	"eye": {
		"none":       {},
		"blink_slow": {filter: "eq=eval=frame:brightness='-0.08*lt(mod(t,4),0.15)'", timeline: true},
		"blink_fast": {filter: "eq=eval=frame:brightness='-0.08*lt(mod(t,2),0.12)'", timeline: true},
	},
	"mouth": {
		"neutral": {},
		"smile":   {filter: "eq=saturation=1.12:contrast=1.04", timeline: true},
	},
}

var channelOrder = []string{"breath", "head", "eye", "mouth"}

// BuildMotionArgs returns the ffmpeg arguments that animate p, plus the
// channel:preset names that have no filter.
func BuildMotionArgs(p *protocol.MotionParams) ([]string, []string) {
	var args []string
	dur := formatFloat(p.Duration)
	if p.Image != "" {
		args = append(args, "-loop", "1", "-t", dur, "-i", p.Image)
	} else {
		args = append(args, "-f", "lavfi", "-t", dur, "-i", colorSource(p.Width, p.Height, p.FPS))
	}

	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", p.Width, p.Height),
		fmt.Sprintf("crop=%d:%d", p.Width, p.Height),
	}
	var unknown []string
	for _, channel := range channelOrder {
		for _, seg := range segments(channel, p) {
			preset, ok := motionPresets[channel][seg.preset]
			if !ok {
				unknown = append(unknown, channel+":"+seg.preset)
				continue
			}
			if preset.filter == "" {
				continue
			}
			f := strings.NewReplacer(
				"{fps}", strconv.Itoa(p.FPS),
				"{size}", fmt.Sprintf("%dx%d", p.Width, p.Height),
			).Replace(preset.filter)
			if preset.timeline && (seg.start > 0 || seg.end < p.Duration) {
				f += fmt.Sprintf(":enable='between(t,%s,%s)'", formatFloat(seg.start), formatFloat(seg.end))
			}
			filters = append(filters, f)
		}
	}
	filters = append(filters, fmt.Sprintf("fps=%d", p.FPS), "format=yuv420p")

	args = append(args, "-vf", strings.Join(filters, ","), "-t", dur)
	return append(args, encoderArgs(p.OutputPath)...), unknown
}

type segment struct {
	preset     string
	start, end float64
}

// segments splits a channel's timeline at its keyframes. Zoompan cannot be
// windowed, so breath keeps its base preset throughout.
func segments(channel string, p *protocol.MotionParams) []segment {
	base, ok := p.Motion[channel]
	if !ok || base == "" {
		return nil
	}
	current := segment{preset: base}
	if channel == "breath" {
		current.end = p.Duration
		return []segment{current}
	}

	var frames []protocol.Keyframe
	for _, kf := range p.Keyframes {
		if kf.Channel == channel && kf.T < p.Duration {
			frames = append(frames, kf)
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].T < frames[j].T })

	var out []segment
	for _, kf := range frames {
		if kf.T > current.start {
			current.end = kf.T
			out = append(out, current)
		}
		current = segment{preset: kf.Preset, start: kf.T}
	}
	current.end = p.Duration
	return append(out, current)
}

func colorSource(width, height, fps int) string {
	return fmt.Sprintf("color=c=black:s=%dx%d:r=%d", width, height, fps)
}

func encoderArgs(output string) []string {
	return []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p", "-movflags", "+faststart", "-y", output}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// escapeDrawtext escapes a value for a quoted drawtext text option inside a
// filter graph.
func escapeDrawtext(s string) string {
	return strings.NewReplacer(
		`\`, `\\\\`,
		`'`, `'\\\''`,
		`%`, `\\%`,
		`:`, `\\:`,
		",", `\,`,
		";", `\;`,
		"[", `\[`,
		"]", `\]`,
	).Replace(s)
}
