// Package protocol defines the newline-delimited JSON protocol spoken
// between the render engine and the render-runner process.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is sent once by the runner when it accepts jobs
	MessageTypeReady MessageType = "READY"
	// MessageTypeJob carries a job from the engine
	MessageTypeJob MessageType = "JOB"
	// MessageTypeEvent reports job progress
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone reports a finished job
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a failed job, or a runner failure when JobID is empty
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is the last message before the runner terminates
	MessageTypeExit MessageType = "EXIT"
)

// JobType names what the runner should produce.
type JobType string

const (
	// JobTypeVideo renders scenes and subtitles into a video
	JobTypeVideo JobType = "render.video"
	// JobTypeMotion animates a still portrait
	JobTypeMotion JobType = "render.motion"
)

// Error codes carried in ErrorMessage.Code.
const (
	CodeInvalidJob    = "INVALID_JOB"
	CodeRenderFailed  = "RENDER_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeFFmpegMissing = "FFMPEG_MISSING"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive jobs.
type ReadyMessage struct {
	Version  string          `json:"version"`
	Platform string          `json:"platform"`
	Arch     string          `json:"arch"`
	PID      int             `json:"pid"`
	Caps     map[string]bool `json:"capabilities"`
	FFmpeg   string          `json:"ffmpeg,omitempty"`
}

// JobMessage asks the runner to render something.
type JobMessage struct {
	ID       string            `json:"id" validate:"required"`
	Type     JobType           `json:"type" validate:"required,oneof=render.video render.motion"`
	Timeout  int               `json:"timeout" validate:"gt=0"` // seconds
	Params   json.RawMessage   `json:"params" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage reports progress while a job runs.
type EventMessage struct {
	JobID    string    `json:"job_id" validate:"required"`
	Level    string    `json:"level" validate:"oneof=info warn debug"`
	Message  string    `json:"message"`
	Progress *Progress `json:"progress,omitempty"`
}

// Progress is a partial completion count.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Unit    string `json:"unit"`
}

// Percent returns the completion percentage, 0 when Total is unknown.
func (p *Progress) Percent() float64 {
	if p == nil || p.Total <= 0 {
		return 0
	}
	pct := float64(p.Current) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// DoneMessage reports a finished job.
type DoneMessage struct {
	JobID    string          `json:"job_id"`
	Result   json.RawMessage `json:"result"`
	Duration float64         `json:"duration"` // seconds
}

// ErrorMessage reports a failure.
type ErrorMessage struct {
	JobID     string `json:"job_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error implements error so a decoded ERROR can be returned directly.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason    string `json:"reason"`
	ExitCode  int    `json:"exit_code"`
	JobsTotal int    `json:"jobs_total"`
}

// Scene is one still shot of a video.
type Scene struct {
	Index    int      `json:"index" validate:"gte=0"`
	Text     string   `json:"text"`
	Image    string   `json:"image,omitempty"`
	Start    float64  `json:"start" validate:"gte=0"`
	End      float64  `json:"end" validate:"gtfield=Start"`
	Motion   string   `json:"motion,omitempty"`
	Emotion  string   `json:"emotion,omitempty"`
	Subtitle []string `json:"subtitle,omitempty"`
}

// Duration returns the scene length in seconds.
func (s Scene) Duration() float64 {
	return s.End - s.Start
}

// VideoParams are the parameters of a render.video job.
type VideoParams struct {
	TaskID     string  `json:"task_id" validate:"required"`
	OutputPath string  `json:"output_path" validate:"required"`
	Width      int     `json:"width" validate:"gte=16,lte=4096"`
	Height     int     `json:"height" validate:"gte=16,lte=4096"`
	FPS        int     `json:"fps" validate:"gte=1,lte=120"`
	Scenes     []Scene `json:"scenes" validate:"required,min=1,dive"`
	Audio      string  `json:"audio,omitempty"`
}

// VideoResult is the result of a render.video job.
type VideoResult struct {
	FilePath string  `json:"file_path"`
	Duration float64 `json:"duration"`
	Scenes   int     `json:"scenes"`
	Bytes    int64   `json:"bytes"`
}

// Keyframe switches one motion channel to a preset at time T.
type Keyframe struct {
	T       float64 `json:"t" validate:"gte=0"`
	Channel string  `json:"channel" validate:"required,oneof=eye head breath mouth"`
	Preset  string  `json:"preset" validate:"required"`
}

// MotionParams are the parameters of a render.motion job.
type MotionParams struct {
	TaskID     string            `json:"task_id" validate:"required"`
	Image      string            `json:"image,omitempty"`
	OutputPath string            `json:"output_path" validate:"required"`
	Duration   float64           `json:"duration" validate:"gt=0,lte=600"`
	Width      int               `json:"width" validate:"gte=16,lte=4096"`
	Height     int               `json:"height" validate:"gte=16,lte=4096"`
	FPS        int               `json:"fps" validate:"gte=1,lte=120"`
	Motion     map[string]string `json:"motion" validate:"required"`
	Keyframes  []Keyframe        `json:"keyframes,omitempty" validate:"omitempty,dive"`
}

// MotionResult is the result of a render.motion job.
type MotionResult struct {
	FilePath string  `json:"file_path"`
	Duration float64 `json:"duration"`
	Bytes    int64   `json:"bytes"`
}

var validate = validator.New()

// Validate checks the message type.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeJob, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the job envelope.
func (j *JobMessage) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	return nil
}

// Validate defaults the level and checks the event.
func (e *EventMessage) Validate() error {
	if e.Level == "" {
		e.Level = "info"
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

// Validate checks video parameters.
func (p *VideoParams) Validate() error {
	return validate.Struct(p)
}

// Validate checks motion parameters.
func (p *MotionParams) Validate() error {
	return validate.Struct(p)
}

// NewJob builds a job with encoded params.
func NewJob(id string, jobType JobType, timeout time.Duration, params interface{}) (*JobMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 1
	}
	return &JobMessage{ID: id, Type: jobType, Timeout: secs, Params: raw}, nil
}
