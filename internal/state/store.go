// Package state holds the live, in-memory view of every configured stream
// and the global artifact list.
//
// All reads return deep copies. Writes go through UpdateStream, which runs
// the mutation under the store lock against the current state, so concurrent
// sessions never clobber each other's sub-trees.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// PingHistorySize is the number of ping slots kept per stream (24h at 15 minute resolution).
	PingHistorySize = 96
	// FileLogSize is the number of file progress entries kept per stream.
	FileLogSize = 10
)

// ErrUnknownStream is returned when a stream name is not configured.
var ErrUnknownStream = errors.New("unknown stream")

// Progress is the most recent transcoder progress for a stream.
type Progress struct {
	Timemark string  `json:"timemark"`
	FPS      float64 `json:"fps"`
	Kbps     float64 `json:"kbps"`
}

// FileLogEntry records one readiness probe of an in-progress segment.
type FileLogEntry struct {
	File     string    `json:"file"`
	Duration float64   `json:"duration"`
	Target   float64   `json:"target"`
	At       time.Time `json:"at"`
}

// FileEntry is a segment or artifact persisted by the current session.
type FileEntry struct {
	Location string `json:"location"`
	Size     int64  `json:"size"`
}

// StreamState is the live state of one configured stream.
type StreamState struct {
	SessionID   string         `json:"session_id"`
	Active      bool           `json:"active"`
	Progress    Progress       `json:"progress"`
	FileLog     []FileLogEntry `json:"file_log"`
	LastActive  time.Time      `json:"last_active"`
	Files       []FileEntry    `json:"files"`
	PingHistory []bool         `json:"ping_history"`
}

// PushFileLog appends an entry, dropping the oldest when the log is full.
func (s *StreamState) PushFileLog(entry FileLogEntry) {
	if len(s.FileLog) >= FileLogSize {
		s.FileLog = append(s.FileLog[:0], s.FileLog[len(s.FileLog)-FileLogSize+1:]...)
	}
	s.FileLog = append(s.FileLog, entry)
}

// ResetSession returns the transient session fields to their idle values.
// LastActive and PingHistory are history and survive the reset.
func (s *StreamState) ResetSession() {
	s.SessionID = ""
	s.Active = false
	s.Progress = Progress{}
	s.FileLog = nil
	s.Files = nil
}

// IsIdle reports whether the transient session fields are in their idle shape.
func (s *StreamState) IsIdle() bool {
	return s.SessionID == "" && !s.Active && s.Progress == (Progress{}) &&
		len(s.FileLog) == 0 && len(s.Files) == 0
}

func (s *StreamState) clone() StreamState {
	c := *s
	c.FileLog = append([]FileLogEntry(nil), s.FileLog...)
	c.Files = append([]FileEntry(nil), s.Files...)
	c.PingHistory = append([]bool(nil), s.PingHistory...)
	return c
}

// rotatePing shifts the ring by one slot and records the current active flag.
func (s *StreamState) rotatePing() {
	if len(s.PingHistory) != PingHistorySize {
		s.PingHistory = resizePings(s.PingHistory)
	}
	copy(s.PingHistory, s.PingHistory[1:])
	s.PingHistory[PingHistorySize-1] = s.Active
}

func resizePings(p []bool) []bool {
	out := make([]bool, PingHistorySize)
	if len(p) > PingHistorySize {
		p = p[len(p)-PingHistorySize:]
	}
	copy(out[PingHistorySize-len(p):], p)
	return out
}

// Artifact is a finished recording.
type Artifact struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Usage is a resource usage sample of the recorder and its children.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Children   int       `json:"children"`
	SampledAt  time.Time `json:"sampled_at"`
}

// GlobalState holds the artifact list and the latest usage sample.
type GlobalState struct {
	Artifacts []Artifact `json:"artifacts"`
	Usage     Usage      `json:"usage"`
}

// NamedStreamState pairs a stream state with its configured name.
type NamedStreamState struct {
	Name string `json:"name"`
	StreamState
}

// Store owns every StreamState and the GlobalState.
type Store struct {
	mu      sync.RWMutex
	order   []string
	streams map[string]*StreamState
	global  GlobalState
}

// NewStore creates a store with one idle StreamState per name. Duplicate
// names are collapsed.
func NewStore(names []string) *Store {
	s := &Store{
		streams: make(map[string]*StreamState, len(names)),
	}
	for _, name := range names {
		if _, ok := s.streams[name]; ok {
			continue
		}
		s.order = append(s.order, name)
		s.streams[name] = &StreamState{PingHistory: make([]bool, PingHistorySize)}
	}
	return s
}

// Names returns the configured stream names in configuration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// UpdateStream runs fn against the current state of the named stream while
// holding the store lock. fn must not call back into the store.
func (s *Store) UpdateStream(name string, fn func(*StreamState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	fn(st)
	return nil
}

// Stream returns a snapshot of the named stream.
func (s *Store) Stream(name string) (StreamState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[name]
	if !ok {
		return StreamState{}, false
	}
	return st.clone(), true
}

// LiveState returns a snapshot of every stream in configuration order.
func (s *Store) LiveState() []NamedStreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NamedStreamState, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, NamedStreamState{Name: name, StreamState: s.streams[name].clone()})
	}
	return out
}

// RotatePings advances every stream's ping ring by one slot.
func (s *Store) RotatePings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.streams {
		st.rotatePing()
	}
}

// GlobalState returns a snapshot of the global state.
func (s *Store) GlobalState() GlobalState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return GlobalState{
		Artifacts: append([]Artifact(nil), s.global.Artifacts...),
		Usage:     s.global.Usage,
	}
}

// AppendArtifact adds a finished recording to the global list.
func (s *Store) AppendArtifact(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.Artifacts = append(s.global.Artifacts, a)
}

// SeedArtifacts prepends previously persisted artifacts, typically at startup.
func (s *Store) SeedArtifacts(artifacts []Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.Artifacts = append(append([]Artifact(nil), artifacts...), s.global.Artifacts...)
}

// SetUsage replaces the latest usage sample.
func (s *Store) SetUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.Usage = u
}
