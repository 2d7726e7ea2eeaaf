package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Intent names used by the default tables.
const (
	IntentCreateShortform = "create_shortform"
	IntentCreateImage     = "create_image"
	IntentCreateMotion    = "create_motion"
	IntentGenerateText    = "generate_text"
)

// IntentRule maps keywords and type aliases to one intent.
type IntentRule struct {
	// Intent is the intent name.
	Intent string `json:"intent" validate:"required"`

	// Keywords are matched case-insensitively against the prompt.
	Keywords []string `json:"keywords" validate:"required,min=1"`

	// Aliases are request type values that select the intent directly.
	Aliases []string `json:"aliases,omitempty"`
}

// DefaultIntentRules returns the built-in keyword table, in declaration order.
func DefaultIntentRules() []IntentRule {
	return []IntentRule{
		{
			Intent:   IntentCreateShortform,
			Keywords: []string{"shortform", "short", "video", "reels", "shorts", "clip", "숏폼", "영상"},
			Aliases:  []string{"shortform", "video"},
		},
		{
			Intent:   IntentCreateImage,
			Keywords: []string{"image", "picture", "photo", "illustration", "drawing", "이미지", "사진", "그림"},
			Aliases:  []string{"image"},
		},
		{
			Intent:   IntentCreateMotion,
			Keywords: []string{"motion", "animate", "animation", "dance", "movement", "모션", "애니메이션"},
			Aliases:  []string{"motion"},
		},
		{
			Intent:   IntentGenerateText,
			Keywords: []string{"write", "text", "story", "article", "blog", "caption", "글"},
			Aliases:  []string{"text"},
		},
	}
}

var durationPattern = regexp.MustCompile(`(\d{1,3})\s*(?:seconds|secs|sec|s\b|초)`)

// IntentAnalyzer classifies requests against a static keyword table.
// It is pure and safe for concurrent use.
type IntentAnalyzer struct {
	rules         []IntentRule
	defaultIntent string
}

// NewIntentAnalyzer creates an analyzer. defaultIntent is returned when nothing matches.
func NewIntentAnalyzer(rules []IntentRule, defaultIntent string) (*IntentAnalyzer, error) {
	if defaultIntent == "" {
		return nil, fmt.Errorf("default intent is required")
	}
	normalized := make([]IntentRule, len(rules))
	for i, r := range rules {
		if r.Intent == "" {
			return nil, fmt.Errorf("intent rule %d has no intent", i)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("intent %s has no keywords", r.Intent)
		}
		normalized[i] = IntentRule{
			Intent:   r.Intent,
			Keywords: lowerAll(r.Keywords),
			Aliases:  lowerAll(r.Aliases),
		}
	}
	return &IntentAnalyzer{rules: normalized, defaultIntent: defaultIntent}, nil
}

// Analyze returns the best-matching intent for req.
func (a *IntentAnalyzer) Analyze(req Request) Intent {
	params := extractParameters(req)

	if hint := strings.ToLower(strings.TrimSpace(req.Type)); hint != "" {
		for _, r := range a.rules {
			if hint == r.Intent || contains(r.Aliases, hint) {
				return Intent{Type: r.Intent, Confidence: 1.0, Parameters: params}
			}
		}
	}

	prompt := strings.ToLower(req.Prompt)
	best := Intent{Type: a.defaultIntent, Confidence: 0, Parameters: params}
	for _, r := range a.rules {
		matched := 0
		for _, kw := range r.Keywords {
			if strings.Contains(prompt, kw) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		// Strictly greater keeps the earlier rule on ties.
		confidence := float64(matched) / float64(len(r.Keywords))
		if confidence > best.Confidence {
			best = Intent{Type: r.Intent, Confidence: confidence, Parameters: params}
		}
	}
	return best
}

// DefaultIntent returns the fallback intent.
func (a *IntentAnalyzer) DefaultIntent() string {
	return a.defaultIntent
}

func extractParameters(req Request) map[string]interface{} {
	params := make(map[string]interface{})
	if req.Duration > 0 {
		params["duration"] = req.Duration
	} else if m := durationPattern.FindStringSubmatch(strings.ToLower(req.Prompt)); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil && d > 0 {
			params["duration"] = d
		}
	}
	if req.Style != "" {
		params["style"] = req.Style
	}
	if req.Type != "" {
		params["content_type"] = req.Type
	}
	return params
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
