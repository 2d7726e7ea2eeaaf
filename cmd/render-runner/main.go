// Package main implements the render-runner binary. It reads render jobs as
// JSON lines on stdin, runs ffmpeg for each and reports on stdout. Logs go
// to stderr so they never mix with the protocol stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/render/protocol"
	"github.com/freeshell/conductor/pkg/render/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	ffmpegBin := flag.String("ffmpeg", "ffmpeg", "ffmpeg binary name or path")
	ttl := flag.Duration("ttl", 30*time.Minute, "maximum runner lifetime, 0 for none")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "render-runner").Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ff, err := runner.NewFFmpeg(*ffmpegBin)
	if err != nil {
		enc := protocol.NewEncoder(os.Stdout)
		_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeFFmpegMissing, Message: err.Error()})
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "ffmpeg_missing", ExitCode: 2})
		logger.Error().Err(err).Msg("Cannot start runner")
		return 2
	}

	cfg := runner.Config{TTL: *ttl}
	if v, err := ff.Version(ctx); err == nil {
		cfg.FFmpeg = v
	}

	exit, err := runner.New(ff, cfg, logger).Serve(ctx, os.Stdin, os.Stdout)
	if err != nil {
		logger.Error().Err(err).Msg("Runner failed")
		return 1
	}
	return exit.ExitCode
}
