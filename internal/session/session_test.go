package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/recordarr/internal/assembly"
	"github.com/jmylchreest/recordarr/internal/capture"
	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/models"
	"github.com/jmylchreest/recordarr/internal/notify"
	"github.com/jmylchreest/recordarr/internal/state"
	"github.com/jmylchreest/recordarr/internal/storage"
)

const testStream = "news"

// scriptedEngine replays events. before runs inside Run, after the work
// directory has been prepared.
type scriptedEngine struct {
	mu       sync.Mutex
	requests []capture.Request
	events   []capture.Event
	before   func(req capture.Request)
	release  chan struct{}
}

func (e *scriptedEngine) Run(ctx context.Context, req capture.Request) <-chan capture.Event {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.before != nil {
		e.before(req)
	}

	out := make(chan capture.Event, len(e.events))
	go func() {
		defer close(out)
		for _, ev := range e.events {
			if ev.Kind == capture.EventEnd && e.release != nil {
				<-e.release
			}
			out <- ev
		}
	}()
	return out
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type fakeAssembler struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (a *fakeAssembler) Assemble(_ context.Context, paths []string, outputDir, finalName string) assembly.Result {
	a.mu.Lock()
	a.paths = append([]string(nil), paths...)
	a.mu.Unlock()

	if a.err != nil {
		return assembly.Result{Err: a.err}
	}
	output := filepath.Join(outputDir, finalName)
	if err := os.WriteFile(output, []byte("assembled"), 0o644); err != nil {
		return assembly.Result{Err: err}
	}
	return assembly.Result{Output: output, Size: 9, Segments: len(paths)}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return notify.Result{Delivered: true}
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeRecorder struct {
	artifacts []*models.Artifact
	err       error
}

func (r *fakeRecorder) Create(_ context.Context, a *models.Artifact) error {
	if r.err != nil {
		return r.err
	}
	r.artifacts = append(r.artifacts, a)
	return nil
}

type cdnUploader struct{}

func (cdnUploader) Upload(_ context.Context, key, _ string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

type harness struct {
	deps      Deps
	store     *state.Store
	engine    *scriptedEngine
	assembler *fakeAssembler
	notifier  *recordingNotifier
	recorder  *fakeRecorder
	output    string
}

func newHarness(t *testing.T, events ...capture.Event) *harness {
	t.Helper()
	root := t.TempDir()
	output := filepath.Join(root, "recordings")
	sb, err := storage.NewSandbox(output)
	require.NoError(t, err)

	h := &harness{
		store:     state.NewStore([]string{testStream, "sports"}),
		engine:    &scriptedEngine{events: events},
		assembler: &fakeAssembler{},
		notifier:  &recordingNotifier{},
		recorder:  &fakeRecorder{},
		output:    output,
	}
	h.deps = Deps{
		Store:     h.store,
		Engine:    h.engine,
		Assembler: h.assembler,
		Notifier:  h.notifier,
		Artifacts: h.recorder,
		Output:    sb,
		WorkRoot:  filepath.Join(root, "work"),
		NewID:     func() string { return "01JSESSION" },
	}
	return h
}

func streamConfig(upload bool) config.StreamConfig {
	return config.StreamConfig{Name: testStream, URL: "http://example.com/live.m3u8", Upload: upload, ChunkDuration: 60}
}

func segmentEvent(name, data string) capture.Event {
	return capture.Event{
		Kind:    capture.EventSegment,
		Segment: &capture.Segment{Name: name, Size: int64(len(data)), Duration: 60, Data: []byte(data)},
	}
}

func endEvent(cause capture.EndCause, err error, remaining ...string) capture.Event {
	return capture.Event{Kind: capture.EventEnd, End: &capture.End{Cause: cause, Err: err, Remaining: remaining}}
}

func assertIdle(t *testing.T, store *state.Store) {
	t.Helper()
	st, ok := store.Stream(testStream)
	require.True(t, ok)
	assert.True(t, st.IsIdle(), "stream state should be idle: %+v", st)
}

func TestSession_EndToEnd(t *testing.T) {
	h := newHarness(t,
		segmentEvent("segment_00000.ts", "first"),
		segmentEvent("segment_00001.ts", "second"),
		endEvent(capture.EndCompleted, nil),
	)

	s := New(h.deps, streamConfig(false), "http://example.com/variant.m3u8")
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, 1, h.engine.calls())
	req := h.engine.requests[0]
	assert.Equal(t, "http://example.com/variant.m3u8", req.SourceURL)
	assert.Equal(t, 60*time.Second, req.ChunkDuration)
	assert.Equal(t, filepath.Join(h.deps.WorkRoot, testStream), req.WorkDir)

	dir := filepath.Join(h.output, testStream, "01JSESSION")
	assert.Equal(t, []string{
		filepath.Join(dir, "segment_00000.ts"),
		filepath.Join(dir, "segment_00001.ts"),
	}, h.assembler.paths)

	data, err := os.ReadFile(filepath.Join(dir, "segment_00001.ts"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	global := h.store.GlobalState()
	require.Len(t, global.Artifacts, 1)
	assert.Equal(t, filepath.Join(dir, "recording.ts"), global.Artifacts[0].Location)
	assert.Equal(t, int64(9), global.Artifacts[0].Size)

	require.Len(t, h.recorder.artifacts, 1)
	assert.Equal(t, "01JSESSION", h.recorder.artifacts[0].SessionID)
	assert.Equal(t, 2, h.recorder.artifacts[0].Segments)
	assert.False(t, h.recorder.artifacts[0].Uploaded)

	assert.Equal(t, []notify.EventType{notify.StreamStart, notify.StreamEnd}, h.notifier.types())

	assertIdle(t, h.store)
	st, _ := h.store.Stream(testStream)
	assert.False(t, st.LastActive.IsZero(), "last_active survives the reset")
	assert.NoDirExists(t, req.WorkDir)
}

func TestSession_LiveStateWhileRecording(t *testing.T) {
	h := newHarness(t,
		capture.Event{Kind: capture.EventProgress, Progress: capture.Progress{Timemark: "00:01:00.00", FPS: 25, Kbps: 2100}},
		capture.Event{Kind: capture.EventFileProgress, FileProgress: capture.FileProgress{File: "segment_00000.ts", Duration: 31.5, Target: 60}},
		segmentEvent("segment_00000.ts", "first"),
		endEvent(capture.EndCompleted, nil),
	)
	h.engine.release = make(chan struct{})

	s := New(h.deps, streamConfig(false), "http://example.com/live.m3u8")
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		st, _ := h.store.Stream(testStream)
		return len(st.Files) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := h.store.Stream(testStream)
	assert.True(t, st.Active)
	assert.Equal(t, s.ID(), st.SessionID)
	assert.Equal(t, state.Progress{Timemark: "00:01:00.00", FPS: 25, Kbps: 2100}, st.Progress)
	require.Len(t, st.FileLog, 1)
	assert.Equal(t, 31.5, st.FileLog[0].Duration)
	assert.Equal(t, int64(5), st.Files[0].Size)

	sibling, _ := h.store.Stream("sports")
	assert.True(t, sibling.IsIdle(), "other streams are untouched")

	close(h.engine.release)
	require.NoError(t, <-done)
	assertIdle(t, h.store)
}

func TestSession_UploadsSegmentsAndArtifact(t *testing.T) {
	h := newHarness(t,
		segmentEvent("segment_00000.ts", "first"),
		segmentEvent("segment_00001.ts", "second"),
		endEvent(capture.EndCompleted, nil),
	)
	h.deps.Publisher = storage.NewPublisher(cdnUploader{}, time.Second, false)

	require.NoError(t, New(h.deps, streamConfig(true), "http://example.com/live.m3u8").Run(context.Background()))

	assert.Equal(t, []notify.EventType{
		notify.StreamStart,
		notify.ChunkUpload,
		notify.ChunkUpload,
		notify.StreamEnd,
		notify.CompleteUpload,
	}, h.notifier.types())

	global := h.store.GlobalState()
	require.Len(t, global.Artifacts, 1)
	assert.Equal(t, "https://cdn.example.com/news/01JSESSION/recording.ts", global.Artifacts[0].Location)
	require.Len(t, h.recorder.artifacts, 1)
	assert.True(t, h.recorder.artifacts[0].Uploaded)
	assert.Len(t, h.assembler.paths, 2, "local copies are kept for assembly")
}

func TestSession_UploadSkippedWhenStreamOptsOut(t *testing.T) {
	h := newHarness(t, segmentEvent("segment_00000.ts", "first"), endEvent(capture.EndCompleted, nil))
	h.deps.Publisher = storage.NewPublisher(cdnUploader{}, time.Second, false)

	require.NoError(t, New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background()))
	assert.Equal(t, []notify.EventType{notify.StreamStart, notify.StreamEnd}, h.notifier.types())
}

func TestSession_FlushesRemainingFiles(t *testing.T) {
	h := newHarness(t)
	var leftover string
	h.engine.before = func(req capture.Request) {
		leftover = filepath.Join(req.WorkDir, "segment_00001.ts")
		require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))
		empty := filepath.Join(req.WorkDir, "segment_00002.ts")
		require.NoError(t, os.WriteFile(empty, nil, 0o644))
		h.engine.events = []capture.Event{
			segmentEvent("segment_00000.ts", "first"),
			endEvent(capture.EndFailsafe, nil, empty, leftover),
		}
	}

	require.NoError(t, New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background()))

	dir := filepath.Join(h.output, testStream, "01JSESSION")
	assert.Equal(t, []string{
		filepath.Join(dir, "segment_00000.ts"),
		filepath.Join(dir, "segment_00001.ts"),
	}, h.assembler.paths)
	assert.NoFileExists(t, leftover)
	assertIdle(t, h.store)
}

func TestSession_EngineFault(t *testing.T) {
	cause := fmt.Errorf("%w: exit status 1", capture.ErrTranscoderFailed)
	h := newHarness(t, segmentEvent("segment_00000.ts", "first"), endEvent(capture.EndFailed, cause))

	err := New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineFault)
	assert.ErrorIs(t, err, capture.ErrTranscoderFailed)

	assert.Len(t, h.store.GlobalState().Artifacts, 1, "segments recorded before the fault are still assembled")
	assertIdle(t, h.store)
}

func TestSession_StartFailure(t *testing.T) {
	h := newHarness(t, endEvent(capture.EndStartFailed, capture.ErrTranscoderFailed))

	err := New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background())
	assert.ErrorIs(t, err, ErrEngineFault)
	assert.Nil(t, h.assembler.paths, "nothing to assemble")
	assert.Empty(t, h.store.GlobalState().Artifacts)
	assertIdle(t, h.store)
}

func TestSession_SetupFault(t *testing.T) {
	h := newHarness(t, endEvent(capture.EndCompleted, nil))
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	h.deps.WorkRoot = blocker

	err := New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetup)
	assert.Zero(t, h.engine.calls())
	assert.Empty(t, h.notifier.types())
	assertIdle(t, h.store)
}

func TestSession_AssemblyFailureIsSoft(t *testing.T) {
	h := newHarness(t, segmentEvent("segment_00000.ts", "first"), endEvent(capture.EndCompleted, nil))
	h.assembler.err = errors.New("concat failed")

	require.NoError(t, New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background()))
	assert.Empty(t, h.store.GlobalState().Artifacts)
	assert.Empty(t, h.recorder.artifacts)
	assertIdle(t, h.store)
}

func TestSession_RepositoryFailureIsSoft(t *testing.T) {
	h := newHarness(t, segmentEvent("segment_00000.ts", "first"), endEvent(capture.EndCompleted, nil))
	h.recorder.err = errors.New("database is locked")

	require.NoError(t, New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background()))
	assert.Len(t, h.store.GlobalState().Artifacts, 1)
}

func TestSession_Cancelled(t *testing.T) {
	h := newHarness(t, segmentEvent("segment_00000.ts", "first"), endEvent(capture.EndCancelled, context.Canceled))

	err := New(h.deps, streamConfig(false), "http://example.com/live.m3u8").Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrEngineFault)
	assert.Len(t, h.store.GlobalState().Artifacts, 1, "interrupted recordings are still assembled")
	assertIdle(t, h.store)
}

// gatedNotifier holds every delivery until release is closed.
type gatedNotifier struct {
	recordingNotifier
	release chan struct{}
}

func (n *gatedNotifier) Notify(ctx context.Context, ev notify.Event) notify.Result {
	<-n.release
	return n.recordingNotifier.Notify(ctx, ev)
}

func TestSession_SlowWebhookDoesNotStallSegments(t *testing.T) {
	h := newHarness(t,
		segmentEvent("segment_00000.ts", "first"),
		segmentEvent("segment_00001.ts", "second"),
		endEvent(capture.EndCompleted, nil),
	)
	h.engine.release = make(chan struct{})
	h.deps.Publisher = storage.NewPublisher(cdnUploader{}, time.Second, false)
	notifier := &gatedNotifier{release: make(chan struct{})}
	h.deps.Notifier = notifier

	s := New(h.deps, streamConfig(true), "http://example.com/live.m3u8")
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		st, _ := h.store.Stream(testStream)
		return len(st.Files) == 2
	}, 2*time.Second, 5*time.Millisecond, "segments are stored while the webhook is blocked")
	assert.Empty(t, notifier.types())

	close(h.engine.release)
	select {
	case <-done:
		t.Fatal("run returned before queued notifications were delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(notifier.release)
	require.NoError(t, <-done)
	assert.Equal(t, []notify.EventType{
		notify.StreamStart,
		notify.ChunkUpload,
		notify.ChunkUpload,
		notify.StreamEnd,
		notify.CompleteUpload,
	}, notifier.types())
	assertIdle(t, h.store)
}
