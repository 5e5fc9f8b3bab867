// Package capture drives a segmenting transcoder against a live source and
// decides when each produced segment is complete.
//
// The transcoder writes numbered files into a private work directory but
// never signals when a file is finished. The engine polls the directory,
// probes each file's duration, and treats a file as ready once it reaches the
// target length or once the source is known to have ended. Ready segments
// are delivered as events, in creation order, and removed from disk.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// eventBuffer is the capacity of the engine event channel.
const eventBuffer = 32

// Config holds engine timing.
type Config struct {
	// PollInterval is how often the work directory is scanned.
	PollInterval time.Duration
	// EndOfLifeGrace is how long after end-of-life is detected before any
	// remaining file counts as ready.
	EndOfLifeGrace time.Duration
	// DrainPollInterval is how often the work directory is checked for
	// emptiness once the transcoder has exited.
	DrainPollInterval time.Duration
	// DrainTimeout bounds the wait for the work directory to empty.
	DrainTimeout time.Duration
	// FailsafeTimeout is the hard ceiling on a single capture.
	FailsafeTimeout time.Duration
	// FailsafeGrace is the delay between the failsafe marking end-of-life
	// and the forced stop.
	FailsafeGrace time.Duration
	// SegmentPattern is the printf-style segment file name.
	SegmentPattern string
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		PollInterval:      30 * time.Second,
		EndOfLifeGrace:    60 * time.Second,
		DrainPollInterval: 5 * time.Second,
		DrainTimeout:      120 * time.Second,
		FailsafeTimeout:   8 * time.Hour,
		FailsafeGrace:     10 * time.Second,
		SegmentPattern:    "segment_%05d.ts",
	}
}

// Request describes one capture.
type Request struct {
	Name          string
	SourceURL     string
	WorkDir       string
	ChunkDuration time.Duration
}

// Engine runs captures. It holds no per-capture state and may run any number
// of captures concurrently.
type Engine struct {
	transcoder Transcoder
	prober     DurationProber
	checker    AvailabilityChecker
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates an engine with default timing.
func NewEngine(transcoder Transcoder, prober DurationProber, checker AvailabilityChecker) *Engine {
	return &Engine{
		transcoder: transcoder,
		prober:     prober,
		checker:    checker,
		config:     DefaultConfig(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets a custom logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithConfig applies non-zero timing values.
func (e *Engine) WithConfig(cfg Config) *Engine {
	if cfg.PollInterval > 0 {
		e.config.PollInterval = cfg.PollInterval
	}
	if cfg.EndOfLifeGrace > 0 {
		e.config.EndOfLifeGrace = cfg.EndOfLifeGrace
	}
	if cfg.DrainPollInterval > 0 {
		e.config.DrainPollInterval = cfg.DrainPollInterval
	}
	if cfg.DrainTimeout > 0 {
		e.config.DrainTimeout = cfg.DrainTimeout
	}
	if cfg.FailsafeTimeout > 0 {
		e.config.FailsafeTimeout = cfg.FailsafeTimeout
	}
	if cfg.FailsafeGrace > 0 {
		e.config.FailsafeGrace = cfg.FailsafeGrace
	}
	if cfg.SegmentPattern != "" {
		e.config.SegmentPattern = cfg.SegmentPattern
	}
	return e
}

// WithClock replaces the wall clock used for end-of-life ageing.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the effective timing.
func (e *Engine) Config() Config {
	return e.config
}

// Run starts a capture and returns its event stream. The stream always ends
// with exactly one EventEnd and is then closed. The caller must drain it.
func (e *Engine) Run(ctx context.Context, req Request) <-chan Event {
	r := &run{
		engine:  e,
		req:     req,
		events:  make(chan Event, eventBuffer),
		forceCh: make(chan struct{}),
		kick:    make(chan struct{}, 1),
		target:  req.ChunkDuration.Seconds(),
		ext:     filepath.Ext(e.config.SegmentPattern),
		logger:  e.logger.With(slog.String("stream", req.Name)),
	}
	go r.execute(ctx)
	return r.events
}

// run is the state of a single capture.
type run struct {
	engine *Engine
	req    Request
	events chan Event
	logger *slog.Logger
	target float64
	ext    string

	mu         sync.Mutex
	endOfLife  time.Time
	graceTimer *time.Timer

	forceOnce sync.Once
	forceCh   chan struct{}
	kick      chan struct{}
}

func (r *run) execute(ctx context.Context) {
	defer close(r.events)

	cfg := r.engine.config
	job := TranscodeJob{
		Name:           r.req.Name,
		SourceURL:      r.req.SourceURL,
		WorkDir:        r.req.WorkDir,
		ChunkDuration:  r.req.ChunkDuration,
		SegmentPattern: cfg.SegmentPattern,
	}

	proc, err := r.engine.transcoder.Start(ctx, job)
	if err != nil {
		r.logger.Error("failed to start transcoder", slog.String("error", err.Error()))
		r.emit(Event{Kind: EventEnd, End: &End{
			Cause:     EndStartFailed,
			Remaining: r.remaining(),
			Err:       fmt.Errorf("%w: %w", ErrTranscoderFailed, err),
		}})
		return
	}

	r.logger.Info("capture started",
		slog.Duration("chunk_duration", r.req.ChunkDuration),
		slog.Duration("failsafe_timeout", cfg.FailsafeTimeout))

	// Probes during the drain must still work after ctx is cancelled; the
	// poller is stopped explicitly below.
	pollCtx, stopPoll := context.WithCancel(context.WithoutCancel(ctx))
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go r.pollLoop(pollCtx, &pollWG)

	failsafe := time.AfterFunc(cfg.FailsafeTimeout, func() { r.failsafe(proc) })

	cause, runErr := r.watch(ctx, proc)
	failsafe.Stop()
	if err := proc.Stop(); err != nil {
		r.logger.Warn("failed to stop transcoder", slog.String("error", err.Error()))
	}

	r.logger.Info("transcoder ended, draining work directory",
		slog.String("cause", string(cause)))

	r.requestPoll()
	r.drain(ctx)

	stopPoll()
	pollWG.Wait()

	r.mu.Lock()
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.mu.Unlock()

	if r.forced() && cause == EndCompleted {
		cause = EndFailsafe
	}

	remaining := r.remaining()
	r.logger.Info("capture ended",
		slog.String("cause", string(cause)),
		slog.Int("remaining", len(remaining)))

	r.emit(Event{Kind: EventEnd, End: &End{Cause: cause, Remaining: remaining, Err: runErr}})
}

// watch relays transcoder progress until the process exits or the capture
// is forced to end.
func (r *run) watch(ctx context.Context, proc Process) (EndCause, error) {
	events := proc.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if r.forced() {
					return EndFailsafe, nil
				}
				return EndCompleted, nil
			}
			switch ev.Kind {
			case TranscodeStarted:
				r.logger.Debug("transcoder running")
			case TranscodeProgress:
				r.emit(Event{Kind: EventProgress, Progress: ev.Progress})
			case TranscodeExited:
				if r.forced() {
					return EndFailsafe, nil
				}
				if ev.Err != nil {
					r.logger.Warn("transcoder exited with error", slog.String("error", ev.Err.Error()))
					return EndFailed, fmt.Errorf("%w: %w", ErrTranscoderFailed, ev.Err)
				}
				return EndCompleted, nil
			}
		case <-r.forceCh:
			return EndFailsafe, nil
		case <-ctx.Done():
			r.force()
			return EndCancelled, ctx.Err()
		}
	}
}

// failsafe marks end-of-life and schedules the forced stop.
func (r *run) failsafe(proc Process) {
	r.logger.Warn("failsafe timeout reached, ending capture",
		slog.Duration("grace", r.engine.config.FailsafeGrace))
	r.markEndOfLife()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.graceTimer = time.AfterFunc(r.engine.config.FailsafeGrace, func() {
		r.force()
		if err := proc.Stop(); err != nil {
			r.logger.Warn("failed to stop transcoder", slog.String("error", err.Error()))
		}
	})
}

// drain waits for the work directory to empty, bounded by DrainTimeout.
func (r *run) drain(ctx context.Context) {
	cfg := r.engine.config
	timeout := time.NewTimer(cfg.DrainTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		if r.forced() || len(r.remaining()) == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-timeout.C:
			r.logger.Warn("drain timeout reached", slog.Duration("timeout", cfg.DrainTimeout))
			return
		case <-r.forceCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *run) pollLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.engine.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.poll(ctx)
	}
}

// requestPoll asks the poller for an immediate cycle.
func (r *run) requestPoll() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// poll runs one readiness cycle over every segment in the work directory.
func (r *run) poll(ctx context.Context) {
	checkedAvailability := false

	for _, path := range r.remaining() {
		if ctx.Err() != nil {
			return
		}
		name := filepath.Base(path)

		duration, err := r.engine.prober.ProbeDuration(ctx, path)
		if err != nil {
			r.logger.Debug("segment probe failed, will retry",
				slog.String("file", name),
				slog.String("error", err.Error()))
			continue
		}

		r.emit(Event{Kind: EventFileProgress, FileProgress: FileProgress{
			File:     name,
			Duration: duration,
			Target:   r.target,
		}})

		v := assess(duration, r.target, r.endOfLifeAt(), r.engine.now(), r.engine.config.EndOfLifeGrace)
		if v == needsAvailabilityCheck {
			v = notReady
			if !checkedAvailability {
				checkedAvailability = true
				if !r.engine.checker.IsAvailable(ctx, r.req.SourceURL) {
					r.logger.Info("source unavailable, marking end of life")
					r.markEndOfLife()
					v = ready
				}
			}
		}
		if v != ready {
			continue
		}

		r.deliver(path, duration)
	}
}

// deliver reads a ready segment, emits it and removes it from disk.
func (r *run) deliver(path string, duration float64) {
	name := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("failed to read ready segment",
			slog.String("file", name),
			slog.String("error", err.Error()))
		return
	}

	r.emit(Event{Kind: EventSegment, Segment: &Segment{
		Name:     name,
		Path:     path,
		Size:     int64(len(data)),
		Duration: duration,
		Data:     data,
	}})

	if err := os.Remove(path); err != nil {
		r.logger.Warn("failed to remove delivered segment",
			slog.String("file", name),
			slog.String("error", err.Error()))
	}
}

// remaining lists segment files in the work directory in creation order.
func (r *run) remaining() []string {
	entries, err := os.ReadDir(r.req.WorkDir)
	if err != nil {
		return nil
	}

	var files []segmentFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if r.ext != "" && !strings.EqualFold(filepath.Ext(entry.Name()), r.ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed since the listing.
			continue
		}
		files = append(files, segmentFile{
			path:    filepath.Join(r.req.WorkDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	creationOrder(files)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

func (r *run) emit(ev Event) {
	r.events <- ev
}

func (r *run) markEndOfLife() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endOfLife.IsZero() {
		r.endOfLife = r.engine.now()
	}
}

func (r *run) endOfLifeAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endOfLife
}

func (r *run) force() {
	r.forceOnce.Do(func() { close(r.forceCh) })
}

func (r *run) forced() bool {
	select {
	case <-r.forceCh:
		return true
	default:
		return false
	}
}
