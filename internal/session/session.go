// Package session runs one recording attempt for one stream: it prepares the
// work directory, consumes capture engine events, persists and publishes
// ready segments, assembles the final artifact and leaves the stream's live
// state idle on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/recordarr/internal/assembly"
	"github.com/jmylchreest/recordarr/internal/capture"
	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/models"
	"github.com/jmylchreest/recordarr/internal/notify"
	"github.com/jmylchreest/recordarr/internal/observability"
	"github.com/jmylchreest/recordarr/internal/state"
	"github.com/jmylchreest/recordarr/internal/storage"
	"github.com/jmylchreest/recordarr/pkg/format"
)

var (
	// ErrEngineFault is returned when the transcoder failed to start or
	// exited abnormally.
	ErrEngineFault = errors.New("engine fault")
	// ErrSetup is returned when the session could not prepare its
	// directories.
	ErrSetup = errors.New("session setup failed")
)

// Runner runs a capture and streams its events.
type Runner interface {
	Run(ctx context.Context, req capture.Request) <-chan capture.Event
}

// Assembler concatenates ordered segments into one artifact.
type Assembler interface {
	Assemble(ctx context.Context, segmentPaths []string, outputDir, finalName string) assembly.Result
}

// ArtifactRecorder persists finished artifacts.
type ArtifactRecorder interface {
	Create(ctx context.Context, artifact *models.Artifact) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store     *state.Store
	Engine    Runner
	Assembler Assembler
	// Publisher is optional; a nil or disabled publisher skips uploads.
	Publisher *storage.Publisher
	Notifier  notify.Notifier
	// Artifacts is optional.
	Artifacts ArtifactRecorder
	// Output is the sandbox rooted at the durable output directory.
	Output *storage.Sandbox
	// WorkRoot holds one private work directory per stream.
	WorkRoot         string
	ArtifactFileName string
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

func (d *Deps) withDefaults() {
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.ArtifactFileName == "" {
		d.ArtifactFileName = "recording.ts"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() string { return models.NewULID().String() }
	}
}

// Session is a single recording attempt. It is not reusable.
type Session struct {
	deps      Deps
	stream    config.StreamConfig
	sourceURL string
	id        string
	workDir   string
	outputKey string
	logger    *slog.Logger

	// segments are the local output paths in hand-off order.
	segments []string
	uploaded int

	// outbox feeds webhook deliveries to one goroutine so a slow endpoint
	// never holds up engine events. Order is preserved.
	outbox    chan notify.Event
	delivered chan struct{}
}

const outboxSize = 64

// New creates a session for stream recording sourceURL, which may be a
// variant chosen from the stream's configured URL.
func New(deps Deps, stream config.StreamConfig, sourceURL string) *Session {
	deps.withDefaults()
	id := deps.NewID()

	return &Session{
		deps:      deps,
		stream:    stream,
		sourceURL: sourceURL,
		id:        id,
		workDir:   filepath.Join(deps.WorkRoot, stream.Name),
		outputKey: storage.Key(stream.Name, id, ""),
		outbox:    make(chan notify.Event, outboxSize),
		delivered: make(chan struct{}),
		logger: observability.WithSession(
			observability.WithStream(observability.WithComponent(deps.Logger, "session"), stream.Name), id),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Run records until the engine ends, then finalizes. The returned error
// wraps ErrSetup or ErrEngineFault for internal faults, or is the context
// error on cancellation. A failsafe or clean end returns nil.
func (s *Session) Run(ctx context.Context) error {
	go s.deliverNotifications(ctx)
	defer s.cleanup()

	if err := s.prepare(); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	start := s.deps.Now()
	s.update(func(st *state.StreamState) {
		st.SessionID = s.id
		st.Active = true
		st.LastActive = start
	})
	s.logger.Info("recording started", slog.String("source", s.sourceURL))
	s.notify(notify.StreamStart, map[string]any{
		"session_id": s.id,
		"source":     s.sourceURL,
	})

	events := s.deps.Engine.Run(ctx, capture.Request{
		Name:          s.stream.Name,
		SourceURL:     s.sourceURL,
		WorkDir:       s.workDir,
		ChunkDuration: s.stream.ChunkDurationValue(),
	})

	var end *capture.End
	for ev := range events {
		switch ev.Kind {
		case capture.EventProgress:
			p := ev.Progress
			s.update(func(st *state.StreamState) {
				st.Progress = state.Progress{Timemark: p.Timemark, FPS: p.FPS, Kbps: p.Kbps}
				st.LastActive = s.deps.Now()
			})
		case capture.EventFileProgress:
			fp := ev.FileProgress
			s.update(func(st *state.StreamState) {
				st.PushFileLog(state.FileLogEntry{
					File:     fp.File,
					Duration: fp.Duration,
					Target:   fp.Target,
					At:       s.deps.Now(),
				})
			})
		case capture.EventSegment:
			s.sink(ctx, ev.Segment.Name, ev.Segment.Data, ev.Segment.Duration)
		case capture.EventEnd:
			end = ev.End
		}
	}
	if end == nil {
		end = &capture.End{Cause: capture.EndCompleted}
	}

	s.flush(ctx, end.Remaining)

	s.logger.Info("recording ended",
		slog.String("cause", string(end.Cause)),
		slog.Int("segments", len(s.segments)),
		slog.Int("uploaded", s.uploaded),
		slog.Duration("elapsed", s.deps.Now().Sub(start)))
	s.notify(notify.StreamEnd, map[string]any{
		"session_id": s.id,
		"cause":      string(end.Cause),
		"segments":   len(s.segments),
	})

	s.finalize(ctx)

	switch end.Cause {
	case capture.EndFailed, capture.EndStartFailed:
		if end.Err == nil {
			return ErrEngineFault
		}
		return fmt.Errorf("%w: %w", ErrEngineFault, end.Err)
	case capture.EndCancelled:
		if end.Err != nil {
			return end.Err
		}
		return ctx.Err()
	default:
		return nil
	}
}

// prepare clears the work directory and creates the output directory.
func (s *Session) prepare() error {
	if s.deps.Output == nil {
		return errors.New("no output sandbox configured")
	}
	if err := os.RemoveAll(s.workDir); err != nil {
		return fmt.Errorf("clearing work directory: %w", err)
	}
	if err := os.MkdirAll(s.workDir, 0o750); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	if _, err := s.deps.Output.MkdirAll(s.outputKey); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return nil
}

// sink persists one ready segment and optionally publishes it.
func (s *Session) sink(ctx context.Context, name string, data []byte, duration float64) {
	key := storage.Key(s.stream.Name, s.id, name)
	local, err := s.deps.Output.AtomicWrite(key, data)
	if err != nil {
		s.logger.Error("failed to persist segment",
			slog.String("segment", name),
			slog.String("error", err.Error()))
		return
	}
	s.segments = append(s.segments, local)

	entry := state.FileEntry{Location: local, Size: int64(len(data))}
	if s.stream.Upload && s.deps.Publisher.Enabled() {
		location, err := s.deps.Publisher.Publish(ctx, key, local)
		if err == nil {
			entry.Location = location
			s.uploaded++
			s.notify(notify.ChunkUpload, map[string]any{
				"session_id": s.id,
				"file":       name,
				"location":   location,
				"size":       entry.Size,
			})
		} else if _, statErr := os.Stat(local); statErr != nil {
			// Removed by the upload failure policy; nothing left to assemble.
			s.segments = s.segments[:len(s.segments)-1]
			return
		}
	}

	s.update(func(st *state.StreamState) {
		st.Files = append(st.Files, entry)
	})
	s.logger.Debug("segment stored",
		slog.String("segment", name),
		slog.String("size", format.Bytes(entry.Size)),
		slog.String("duration", format.Seconds(duration)))
}

// flush hands files the engine left behind to the sink, in order.
func (s *Session) flush(ctx context.Context, remaining []string) {
	for _, path := range assembly.SortByName(remaining) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read remaining segment",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		if len(data) == 0 {
			continue
		}
		s.sink(ctx, filepath.Base(path), data, 0)
	}
}

// finalize assembles and records the artifact. Failures are logged only.
func (s *Session) finalize(ctx context.Context) {
	if len(s.segments) == 0 {
		s.logger.Info("no segments recorded, skipping assembly")
		return
	}

	outputDir, err := s.deps.Output.ResolvePath(s.outputKey)
	if err != nil {
		s.logger.Error("failed to resolve output directory", slog.String("error", err.Error()))
		return
	}

	// Assembly runs even when the session context was cancelled so an
	// interrupted recording still yields its artifact.
	actx := context.WithoutCancel(ctx)
	result := s.deps.Assembler.Assemble(actx, s.segments, outputDir, s.deps.ArtifactFileName)
	if !result.OK() {
		s.logger.Error("assembly failed",
			slog.Int("segments", len(s.segments)),
			slog.String("error", result.Err.Error()))
		return
	}

	key := storage.Key(s.stream.Name, s.id, s.deps.ArtifactFileName)
	location := result.Output
	uploaded := false
	if s.stream.Upload && s.deps.Publisher.Enabled() {
		if remote, err := s.deps.Publisher.Publish(actx, key, result.Output); err == nil {
			location = remote
			uploaded = true
			s.notify(notify.CompleteUpload, map[string]any{
				"session_id": s.id,
				"file":       s.deps.ArtifactFileName,
				"location":   remote,
				"size":       result.Size,
			})
		}
	}

	createdAt := s.deps.Now()
	s.deps.Store.AppendArtifact(state.Artifact{
		Name:      key,
		Location:  location,
		CreatedAt: createdAt,
		Size:      result.Size,
	})
	s.logger.Info("artifact recorded",
		slog.String("location", location),
		slog.String("size", format.Bytes(result.Size)),
		slog.Int("segments", result.Segments))

	if s.deps.Artifacts == nil {
		return
	}
	artifact := &models.Artifact{
		StreamName: s.stream.Name,
		SessionID:  s.id,
		Name:       key,
		Location:   location,
		LocalPath:  result.Output,
		Size:       result.Size,
		Segments:   result.Segments,
		Uploaded:   uploaded,
	}
	artifact.CreatedAt = createdAt
	if err := s.deps.Artifacts.Create(actx, artifact); err != nil {
		s.logger.Error("failed to persist artifact", slog.String("error", err.Error()))
	}
}

// cleanup removes the work directory and returns the stream to idle.
func (s *Session) cleanup() {
	close(s.outbox)
	<-s.delivered

	if err := os.RemoveAll(s.workDir); err != nil {
		s.logger.Warn("failed to remove work directory",
			slog.String("path", s.workDir),
			slog.String("error", err.Error()))
	}
	s.update(func(st *state.StreamState) {
		st.ResetSession()
	})
}

func (s *Session) update(fn func(*state.StreamState)) {
	if err := s.deps.Store.UpdateStream(s.stream.Name, fn); err != nil {
		s.logger.Error("failed to update stream state", slog.String("error", err.Error()))
	}
}

func (s *Session) notify(typ notify.EventType, payload map[string]any) {
	s.outbox <- notify.Event{
		Type:    typ,
		Stream:  s.stream.Name,
		Payload: payload,
	}
}

// deliverNotifications sends queued events until cleanup closes the outbox.
// Each send is bounded by the notifier's own timeout and survives session
// cancellation so streamEnd still goes out on shutdown.
func (s *Session) deliverNotifications(ctx context.Context) {
	defer close(s.delivered)
	nctx := context.WithoutCancel(ctx)
	for ev := range s.outbox {
		s.deps.Notifier.Notify(nctx, ev)
	}
}
