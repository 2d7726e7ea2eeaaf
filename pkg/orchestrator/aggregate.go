package orchestrator

import "strings"

// Aggregator merges the outputs of a task's successful steps into its result.
// accumulated only holds outputs of steps that succeeded.
type Aggregator func(intent string, accumulated map[string]interface{}, steps []Step) interface{}

// DefaultAggregator shapes the result by intent family.
func DefaultAggregator(intent string, accumulated map[string]interface{}, steps []Step) interface{} {
	metadata := map[string]interface{}{
		"steps":   stepEngines(steps),
		"outputs": accumulated,
	}

	switch {
	case strings.Contains(intent, "shortform"):
		out := map[string]interface{}{
			"type":       "shortform",
			"scenes":     valueOr(accumulated, "create_scenes", []interface{}{}),
			"video_path": field(accumulated, "render_video", "file_path"),
			"metadata":   metadata,
		}
		if subs, ok := accumulated["generate_subtitles"]; ok {
			out["subtitles"] = subs
		}
		if d := field(accumulated, "render_video", "duration"); d != nil {
			out["duration"] = d
		}
		return out
	case strings.Contains(intent, "image"):
		return map[string]interface{}{
			"type":       "image",
			"image_path": field(accumulated, "generate_image", "file_path"),
			"metadata":   metadata,
		}
	case strings.Contains(intent, "motion"):
		return map[string]interface{}{
			"type":        "motion",
			"motion_data": valueOr(accumulated, "generate_motion", map[string]interface{}{}),
			"video_path":  field(accumulated, "apply_motion", "file_path"),
			"metadata":    metadata,
		}
	default:
		return accumulated
	}
}

// stepEngines lists which engine produced each successful step.
func stepEngines(steps []Step) map[string]string {
	out := make(map[string]string, len(steps))
	for _, s := range steps {
		if s.Status == StepStatusSuccess {
			out[s.ID] = s.EngineUsed
		}
	}
	return out
}

func valueOr(m map[string]interface{}, key string, def interface{}) interface{} {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return def
}

// field reads m[key][name] when m[key] is a map.
func field(m map[string]interface{}, key, name string) interface{} {
	inner, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return inner[name]
}
