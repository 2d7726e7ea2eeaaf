package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/render/protocol"
)

// fakeExecutor writes a fixed payload to the output path (the last arg).
type fakeExecutor struct {
	calls  [][]string
	err    error
	block  bool
	steps  []time.Duration
	output []byte
}

func (f *fakeExecutor) Run(ctx context.Context, args []string, progress func(time.Duration)) error {
	f.calls = append(f.calls, args)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	for _, s := range f.steps {
		progress(s)
	}
	data := f.output
	if data == nil {
		data = []byte("mp4")
	}
	return os.WriteFile(args[len(args)-1], data, 0o644)
}

func encodeJobs(t *testing.T, jobs ...*protocol.JobMessage) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	for _, job := range jobs {
		require.NoError(t, enc.Encode(protocol.MessageTypeJob, job))
	}
	return &buf
}

func readAll(t *testing.T, r io.Reader) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(r)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

func ofType(msgs []*protocol.Message, mt protocol.MessageType) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func videoJob(t *testing.T, id, dir string) *protocol.JobMessage {
	t.Helper()
	job, err := protocol.NewJob(id, protocol.JobTypeVideo, time.Minute, protocol.VideoParams{
		TaskID:     "task-1",
		OutputPath: filepath.Join(dir, "out", id+".mp4"),
		Width:      640,
		Height:     360,
		FPS:        25,
		Scenes: []protocol.Scene{
			{Index: 0, Text: "one", Image: filepath.Join(dir, "missing.png"), Start: 0, End: 4},
			{Index: 1, Text: "two", Start: 4, End: 10, Subtitle: []string{"two"}},
		},
	})
	require.NoError(t, err)
	return job
}

func TestRunner_Serve(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{steps: []time.Duration{time.Second, 1100 * time.Millisecond, 5 * time.Second, 10 * time.Second, 10 * time.Second}}
	r := New(exec, Config{FFmpeg: "ffmpeg test"}, zerolog.Nop())

	var out bytes.Buffer
	exit, err := r.Serve(context.Background(), encodeJobs(t, videoJob(t, "job-1", dir)), &out)
	require.NoError(t, err)
	assert.Equal(t, ReasonStdinClosed, exit.Reason)
	assert.Equal(t, 0, exit.ExitCode)
	assert.Equal(t, 1, exit.JobsTotal)

	msgs := readAll(t, &out)
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.MessageTypeReady, msgs[0].Type)
	assert.Equal(t, protocol.MessageTypeExit, msgs[len(msgs)-1].Type)

	var ready protocol.ReadyMessage
	require.NoError(t, msgs[0].Unpack(&ready))
	assert.True(t, ready.Caps["render.video"])
	assert.Equal(t, "ffmpeg test", ready.FFmpeg)

	var warned bool
	var progress []int64
	for _, m := range ofType(msgs, protocol.MessageTypeEvent) {
		var ev protocol.EventMessage
		require.NoError(t, m.Unpack(&ev))
		assert.Equal(t, "job-1", ev.JobID)
		if ev.Level == "warn" && strings.Contains(ev.Message, "missing.png") {
			warned = true
		}
		if ev.Progress != nil {
			progress = append(progress, ev.Progress.Current)
		}
	}
	assert.True(t, warned)
	// 1.1s is within 5% of 1s and the repeated final position is dropped.
	assert.Equal(t, []int64{1000, 5000, 10000}, progress)

	done := ofType(msgs, protocol.MessageTypeDone)
	require.Len(t, done, 1)
	var dm protocol.DoneMessage
	require.NoError(t, done[0].Unpack(&dm))
	var result protocol.VideoResult
	require.NoError(t, protocol.ParseParams(dm.Result, &result))
	assert.Equal(t, 2, result.Scenes)
	assert.InDelta(t, 10.0, result.Duration, 0.001)
	assert.Equal(t, int64(3), result.Bytes)
	assert.FileExists(t, result.FilePath)

	require.Len(t, exec.calls, 1)
	assert.NotContains(t, exec.calls[0], filepath.Join(dir, "missing.png"))
}

func TestRunner_Failures(t *testing.T) {
	dir := t.TempDir()

	badParams, err := protocol.NewJob("job-bad", protocol.JobTypeVideo, time.Minute, map[string]interface{}{"task_id": "t"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		exec      *fakeExecutor
		job       *protocol.JobMessage
		code      string
		retryable bool
	}{
		{name: "invalid params", exec: &fakeExecutor{}, job: badParams, code: protocol.CodeInvalidJob},
		{name: "encoder error", exec: &fakeExecutor{err: errors.New("ffmpeg exited with status 1")}, job: videoJob(t, "job-2", dir), code: protocol.CodeRenderFailed},
		{name: "timeout", exec: &fakeExecutor{block: true}, job: func() *protocol.JobMessage {
			j := videoJob(t, "job-3", dir)
			j.Timeout = 1
			return j
		}(), code: protocol.CodeTimeout, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.exec, Config{}, zerolog.Nop())
			var out bytes.Buffer
			exit, err := r.Serve(context.Background(), encodeJobs(t, tt.job), &out)
			require.NoError(t, err)
			assert.Equal(t, 1, exit.JobsTotal)

			errs := ofType(readAll(t, &out), protocol.MessageTypeError)
			require.Len(t, errs, 1)
			var em protocol.ErrorMessage
			require.NoError(t, errs[0].Unpack(&em))
			assert.Equal(t, tt.job.ID, em.JobID)
			assert.Equal(t, tt.code, em.Code)
			assert.Equal(t, tt.retryable, em.Retryable)
		})
	}
}

func TestRunner_InvalidEnvelope(t *testing.T) {
	r := New(&fakeExecutor{}, Config{}, zerolog.Nop())
	in := strings.NewReader(`{"type":"JOB","data":{"id":"job-x","type":"render.audio","timeout":5,"params":{}}}` + "\n" + "garbage\n")

	var out bytes.Buffer
	exit, err := r.Serve(context.Background(), in, &out)
	require.NoError(t, err)
	assert.Equal(t, ReasonProtocolError, exit.Reason)
	assert.Equal(t, 1, exit.ExitCode)

	errs := ofType(readAll(t, &out), protocol.MessageTypeError)
	require.Len(t, errs, 2)
	var first protocol.ErrorMessage
	require.NoError(t, errs[0].Unpack(&first))
	assert.Equal(t, "job-x", first.JobID)
	assert.Equal(t, protocol.CodeInvalidJob, first.Code)
}

func TestRunner_TTL(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := New(&fakeExecutor{}, Config{TTL: 50 * time.Millisecond}, zerolog.Nop())
	var out bytes.Buffer
	exit, err := r.Serve(context.Background(), pr, &out)
	require.NoError(t, err)
	assert.Equal(t, ReasonTTLExpired, exit.Reason)
	assert.Zero(t, exit.JobsTotal)
}

func TestRunner_Motion(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "face.png")
	require.NoError(t, os.WriteFile(image, []byte("png"), 0o644))

	job, err := protocol.NewJob("job-m", protocol.JobTypeMotion, time.Minute, protocol.MotionParams{
		TaskID:     "task-m",
		Image:      image,
		OutputPath: filepath.Join(dir, "motion.mp4"),
		Duration:   5,
		Width:      512,
		Height:     512,
		FPS:        25,
		Motion:     map[string]string{"eye": "blink_slow", "head": "wobble"},
	})
	require.NoError(t, err)

	exec := &fakeExecutor{}
	var out bytes.Buffer
	_, err = New(exec, Config{}, zerolog.Nop()).Serve(context.Background(), encodeJobs(t, job), &out)
	require.NoError(t, err)

	msgs := readAll(t, &out)
	require.Len(t, ofType(msgs, protocol.MessageTypeDone), 1)

	var warnings []string
	for _, m := range ofType(msgs, protocol.MessageTypeEvent) {
		var ev protocol.EventMessage
		require.NoError(t, m.Unpack(&ev))
		if ev.Level == "warn" {
			warnings = append(warnings, ev.Message)
		}
	}
	assert.Equal(t, []string{"unknown motion preset head:wobble"}, warnings)
	require.Len(t, exec.calls, 1)
	assert.Contains(t, exec.calls[0], image)
}
