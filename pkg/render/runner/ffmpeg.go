package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Executor runs one encoder invocation. progress receives the encoded
// output position as it advances.
type Executor interface {
	Run(ctx context.Context, args []string, progress func(time.Duration)) error
}

// FFmpeg runs the ffmpeg binary.
type FFmpeg struct {
	Binary string
}

// NewFFmpeg resolves binary on PATH.
func NewFFmpeg(binary string) (*FFmpeg, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpeg{Binary: path}, nil
}

// Version returns the first line of ffmpeg -version.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, f.Binary, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Run executes ffmpeg with machine-readable progress on stdout.
func (f *FFmpeg) Run(ctx context.Context, args []string, progress func(time.Duration)) error {
	full := append([]string{"-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, f.Binary, full...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if pos, ok := parseProgress(scanner.Text()); ok && progress != nil {
			progress(pos)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("ffmpeg exited with status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

// parseProgress reads an out_time_us or out_time_ms line. ffmpeg reports
// both in microseconds.
func parseProgress(line string) (time.Duration, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return time.Duration(us) * time.Microsecond, true
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
