package capture

import (
	"context"
	"errors"
	"time"
)

// ErrTranscoderFailed marks an end of capture caused by the transcoder
// failing to start or exiting abnormally.
var ErrTranscoderFailed = errors.New("transcoder failed")

// TranscodeJob tells a Transcoder what to segment and where.
type TranscodeJob struct {
	Name          string
	SourceURL     string
	WorkDir       string
	ChunkDuration time.Duration
	// SegmentPattern is a printf-style file name, e.g. segment_%05d.ts.
	SegmentPattern string
}

// TranscodeEventKind identifies a transcoder lifecycle event.
type TranscodeEventKind int

const (
	TranscodeStarted TranscodeEventKind = iota
	TranscodeProgress
	TranscodeExited
)

// TranscodeEvent is emitted by a running transcoder process. Err is set on
// an abnormal TranscodeExited.
type TranscodeEvent struct {
	Kind     TranscodeEventKind
	Progress Progress
	Err      error
}

// Progress is a transcoder progress report.
type Progress struct {
	Timemark string  `json:"timemark"`
	FPS      float64 `json:"fps"`
	Kbps     float64 `json:"kbps"`
}

// Process is a running transcoder. Events is closed after TranscodeExited.
type Process interface {
	Events() <-chan TranscodeEvent
	Stop() error
}

// Transcoder starts segmenting processes.
type Transcoder interface {
	Start(ctx context.Context, job TranscodeJob) (Process, error)
}

// DurationProber reports the media duration of a file in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// AvailabilityChecker reports whether a source URL currently responds.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context, url string) bool
}

// EventKind identifies an Engine event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventFileProgress
	EventSegment
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventFileProgress:
		return "file_progress"
	case EventSegment:
		return "segment"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// FileProgress is the result of one readiness probe.
type FileProgress struct {
	File     string
	Duration float64
	Target   float64
}

// Segment is a finished segment handed to the consumer. The engine removes
// the file from the work directory once the event has been delivered.
type Segment struct {
	Name     string
	Path     string
	Size     int64
	Duration float64
	Data     []byte
}

// EndCause explains why capture ended.
type EndCause string

const (
	EndCompleted   EndCause = "completed"
	EndFailed      EndCause = "transcoder_failed"
	EndStartFailed EndCause = "start_failed"
	EndFailsafe    EndCause = "failsafe"
	EndCancelled   EndCause = "cancelled"
)

// End is the final engine event. Remaining lists segment files still in the
// work directory, in creation order.
type End struct {
	Cause     EndCause
	Remaining []string
	Err       error
}

// Event is a single engine event. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind         EventKind
	Progress     Progress
	FileProgress FileProgress
	Segment      *Segment
	End          *End
}
