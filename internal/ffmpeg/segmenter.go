package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/recordarr/internal/capture"
)

// StderrLogName is the stderr log file written into a work directory when
// stderr logging is enabled.
const StderrLogName = "ffmpeg.log"

// SegmenterConfig configures the segmenting transcoder.
type SegmenterConfig struct {
	BinaryPath    string
	LogLevel      string
	InputOptions  string
	OutputOptions string
	// StderrLog appends ffmpeg stderr to StderrLogName in the work directory.
	StderrLog bool
	// StopTimeout is how long Stop waits after an interrupt before killing.
	StopTimeout time.Duration
}

// Segmenter runs ffmpeg to copy a live source into fixed-length MPEG-TS
// segments without re-encoding.
type Segmenter struct {
	config SegmenterConfig
	logger *slog.Logger
}

// NewSegmenter creates a segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Segmenter{config: cfg, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (s *Segmenter) WithLogger(logger *slog.Logger) *Segmenter {
	s.logger = logger
	return s
}

// BuildCommand returns the ffmpeg command for a job.
func (s *Segmenter) BuildCommand(job capture.TranscodeJob) *Command {
	seconds := int(job.ChunkDuration / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	b := NewCommandBuilder(s.config.BinaryPath).
		LogLevel(s.config.LogLevel).
		HideBanner().
		Overwrite().
		Reconnect().
		ApplyCustomInputOptions(s.config.InputOptions).
		Input(job.SourceURL).
		CopyAll().
		OutputArgs(
			"-f", "segment",
			"-segment_time", strconv.Itoa(seconds),
			"-reset_timestamps", "1",
			"-segment_format", "mpegts",
		).
		ApplyCustomOutputOptions(s.config.OutputOptions).
		Output(filepath.Join(job.WorkDir, job.SegmentPattern))

	if s.config.StderrLog {
		b.StderrLogPath(filepath.Join(job.WorkDir, StderrLogName))
	}
	return b.Build()
}

// Start launches ffmpeg for job. The process is not bound to ctx: callers
// end it with Stop so the segment being written is finalised.
func (s *Segmenter) Start(ctx context.Context, job capture.TranscodeJob) (capture.Process, error) {
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	cmd := s.BuildCommand(job)
	logger := s.logger.With(slog.String("stream", job.Name))

	p := &segmentProcess{
		cmd:         cmd,
		events:      make(chan capture.TranscodeEvent, 16),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		stopTimeout: s.config.StopTimeout,
		logger:      logger,
	}
	cmd.OnStderrLine(p.handleLine)

	logger.Debug("starting ffmpeg", slog.String("command", cmd.String()))
	if err := cmd.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	logger.Info("ffmpeg started", slog.Int("pid", cmd.Pid()))

	p.events <- capture.TranscodeEvent{Kind: capture.TranscodeStarted}
	go p.wait()
	return p, nil
}

// segmentProcess adapts a running Command to capture.Process.
type segmentProcess struct {
	cmd         *Command
	events      chan capture.TranscodeEvent
	done        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
	logger      *slog.Logger
}

func (p *segmentProcess) Events() <-chan capture.TranscodeEvent {
	return p.events
}

// Pid returns the ffmpeg process id.
func (p *segmentProcess) Pid() int {
	return p.cmd.Pid()
}

func (p *segmentProcess) handleLine(line string) {
	progress, ok := ParseProgressLine(line)
	if !ok {
		p.logger.Debug("ffmpeg", slog.String("line", line))
		return
	}
	select {
	case p.events <- capture.TranscodeEvent{Kind: capture.TranscodeProgress, Progress: progress}:
	default:
	}
}

func (p *segmentProcess) wait() {
	defer close(p.done)

	err := p.cmd.Wait()
	if err != nil {
		if last := p.cmd.LastStderrLine(); last != "" {
			err = fmt.Errorf("%w: %s", err, last)
		}
		p.logger.Info("ffmpeg exited", slog.String("error", err.Error()))
	} else {
		p.logger.Info("ffmpeg exited")
	}

	select {
	case p.events <- capture.TranscodeEvent{Kind: capture.TranscodeExited, Err: err}:
	case <-p.stopped:
	}
	close(p.events)
}

// Stop interrupts ffmpeg so it closes the current segment, and kills it if
// it has not exited within the stop timeout. Stop is idempotent.
func (p *segmentProcess) Stop() error {
	var stopErr error
	p.stopOnce.Do(func() {
		close(p.stopped)

		select {
		case <-p.done:
			return
		default:
		}

		if err := p.cmd.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("failed to interrupt ffmpeg", slog.String("error", err.Error()))
		}

		select {
		case <-p.done:
			return
		case <-time.After(p.stopTimeout):
		}

		p.logger.Warn("ffmpeg did not exit after interrupt, killing", slog.Duration("timeout", p.stopTimeout))
		if err := p.cmd.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			stopErr = fmt.Errorf("killing ffmpeg: %w", err)
			return
		}
		<-p.done
	})
	return stopErr
}
