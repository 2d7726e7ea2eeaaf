package rule

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// videoTimeline is the render plan written when no renderer is available.
// A render runner can replay it later.
type videoTimeline struct {
	TaskID    string                 `yaml:"task_id"`
	Duration  float64                `yaml:"duration"`
	Motion    map[string]interface{} `yaml:"motion,omitempty"`
	Scenes    []interface{}          `yaml:"scenes"`
	Subtitles []interface{}          `yaml:"subtitles,omitempty"`
}

type motionTimeline struct {
	TaskID    string                 `yaml:"task_id"`
	ImagePath string                 `yaml:"image_path"`
	Duration  float64                `yaml:"duration"`
	Motion    map[string]interface{} `yaml:"motion"`
	Keyframes map[string]interface{} `yaml:"keyframes,omitempty"`
}

func (e *Engine) writeTimeline(name string, v interface{}) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode timeline: %w", err)
	}
	path := filepath.Join(e.outputDir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write timeline: %w", err)
	}
	return path, nil
}
