package rule

import (
	"fmt"
	"strings"

	"github.com/mitchellh/go-wordwrap"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

const (
	wordsPerSecond  = 2.5
	defaultDuration = 30.0
	minScenes       = 3
	maxScenes       = 10
	defaultImage    = "templates/default_character.png"

	// subtitleWidth is the longest subtitle line in characters.
	subtitleWidth = 42
)

func (e *Engine) generateScript(p map[string]interface{}) orchestrator.EngineResult {
	duration := params.Float(p, "duration", defaultDuration)
	if duration <= 0 {
		duration = defaultDuration
	}
	total := int(duration * wordsPerSecond)
	if total < 1 {
		total = 1
	}

	keywords := strings.Fields(params.String(p, "prompt", ""))
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	if len(keywords) == 0 {
		keywords = []string{"today's", "topic"}
	}

	base := strings.Fields(fmt.Sprintf(
		"A short story about %s. In this video we take a closer look at %s. Thank you for watching.",
		strings.Join(keywords, " "), keywords[0],
	))
	words := make([]string, 0, total)
	for len(words) < total {
		words = append(words, base...)
	}
	words = words[:total]

	return orchestrator.Succeeded(map[string]interface{}{
		"script":     strings.Join(words, " "),
		"word_count": len(words),
		"duration":   duration,
	})
}

func (e *Engine) createScenes(p map[string]interface{}) orchestrator.EngineResult {
	script := params.String(params.Map(p, "generate_script"), "script", params.String(p, "script", ""))
	if script == "" {
		script = params.String(p, "prompt", "")
	}
	if strings.TrimSpace(script) == "" {
		return orchestrator.Retryable("no script to split into scenes")
	}

	duration := params.Float(p, "duration", defaultDuration)
	if duration <= 0 {
		duration = defaultDuration
	}

	texts := sceneTexts(script)
	sceneDuration := duration / float64(len(texts))
	style := params.String(p, "style", "animation")

	scenes := make([]interface{}, 0, len(texts))
	start := 0.0
	for i, text := range texts {
		end := start + sceneDuration
		scenes = append(scenes, map[string]interface{}{
			"index":    i,
			"id":       fmt.Sprintf("scene_%03d", i+1),
			"text":     text,
			"duration": sceneDuration,
			"start":    start,
			"end":      end,
			"image":    defaultImage,
			"motion":   "slow_breath",
			"emotion":  "warm",
			"style":    style,
		})
		start = end
	}
	return orchestrator.Succeeded(scenes)
}

// sceneTexts splits script into between minScenes and maxScenes texts. Short
// scripts are re-split on word boundaries; a script with fewer words than
// minScenes repeats its last text.
func sceneTexts(script string) []string {
	sentences := config.SplitSentences(script)
	if len(sentences) >= minScenes {
		if len(sentences) > maxScenes {
			sentences = sentences[:maxScenes]
		}
		return sentences
	}

	words := strings.Fields(script)
	texts := make([]string, 0, minScenes)
	if len(words) >= minScenes {
		per := len(words) / minScenes
		for i := 0; i < minScenes; i++ {
			lo, hi := i*per, (i+1)*per
			if i == minScenes-1 {
				hi = len(words)
			}
			texts = append(texts, strings.Join(words[lo:hi], " "))
		}
		return texts
	}

	texts = append(texts, words...)
	for len(texts) < minScenes {
		texts = append(texts, texts[len(texts)-1])
	}
	return texts
}

func (e *Engine) generateSubtitles(p map[string]interface{}) orchestrator.EngineResult {
	scenes := params.List(p, "create_scenes")
	if len(scenes) == 0 {
		return orchestrator.Retryable("no scenes to subtitle")
	}

	subtitles := make([]interface{}, 0, len(scenes))
	for i, s := range scenes {
		scene, ok := s.(map[string]interface{})
		if !ok {
			return orchestrator.Retryable(fmt.Sprintf("scene %d is not an object", i))
		}
		text := params.String(scene, "text", "")
		lines := []interface{}{}
		for _, line := range strings.Split(wordwrap.WrapString(text, subtitleWidth), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		subtitles = append(subtitles, map[string]interface{}{
			"index": i,
			"start": params.Float(scene, "start", 0),
			"end":   params.Float(scene, "end", 0),
			"text":  text,
			"lines": lines,
		})
	}
	return orchestrator.Succeeded(subtitles)
}

// motionKeywords lifts a motion channel to a preset when the prompt mentions
// one of its keywords.
var motionKeywords = []struct {
	channel  string
	preset   string
	keywords []string
}{
	{"mouth", "smile", []string{"happy", "smile", "joy"}},
	{"head", "tilt_left", []string{"head", "nod"}},
	{"eye", "blink_fast", []string{"surprise", "excited"}},
	{"breath", "deep", []string{"calm", "relax"}},
}

func (e *Engine) selectMotion(p map[string]interface{}) orchestrator.EngineResult {
	prompt := strings.ToLower(params.String(p, "prompt", ""))

	motion := map[string]interface{}{
		"eye":    "blink_slow",
		"head":   "static",
		"breath": "soft",
		"mouth":  "neutral",
	}
	for _, mk := range motionKeywords {
		for _, kw := range mk.keywords {
			if strings.Contains(prompt, kw) {
				motion[mk.channel] = mk.preset
				break
			}
		}
	}
	return orchestrator.Succeeded(map[string]interface{}{"motion": motion})
}

func (e *Engine) applyMotion(p map[string]interface{}) orchestrator.EngineResult {
	motion := params.Map(params.Map(p, "select_motion"), "motion")
	if motion == nil {
		return orchestrator.Retryable("no motion selected")
	}

	tl := motionTimeline{
		TaskID:    params.String(p, "task_id", "task"),
		ImagePath: params.String(p, "image_path", defaultImage),
		Duration:  params.Float(p, "duration", 5),
		Motion:    motion,
		Keyframes: params.Map(p, "generate_motion"),
	}
	path, err := e.writeTimeline(tl.TaskID+".motion.yaml", tl)
	if err != nil {
		return orchestrator.Retryable(err.Error())
	}
	return orchestrator.Succeeded(map[string]interface{}{
		"file_path": path,
		"format":    "timeline",
		"motion":    motion,
	})
}

func (e *Engine) renderVideo(p map[string]interface{}) orchestrator.EngineResult {
	scenes := params.List(p, "create_scenes")
	if len(scenes) == 0 {
		return orchestrator.Retryable("no scenes to render")
	}

	tl := videoTimeline{
		TaskID:    params.String(p, "task_id", "task"),
		Duration:  params.Float(p, "duration", defaultDuration),
		Motion:    params.Map(params.Map(p, "select_motion"), "motion"),
		Scenes:    scenes,
		Subtitles: params.List(p, "generate_subtitles"),
	}
	path, err := e.writeTimeline(tl.TaskID+".timeline.yaml", tl)
	if err != nil {
		return orchestrator.Retryable(err.Error())
	}
	return orchestrator.Succeeded(map[string]interface{}{
		"file_path":   path,
		"format":      "timeline",
		"duration":    tl.Duration,
		"scene_count": len(scenes),
	})
}

func (e *Engine) formatOutput(p map[string]interface{}) orchestrator.EngineResult {
	var text string
	switch v := p["generate_text"].(type) {
	case string:
		text = v
	case map[string]interface{}:
		text = params.String(v, "text", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return orchestrator.Retryable("no text to format")
	}
	return orchestrator.Succeeded(map[string]interface{}{
		"text":       text,
		"word_count": len(strings.Fields(text)),
		"format":     "plain",
	})
}
