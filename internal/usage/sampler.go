// Package usage samples the CPU and memory use of the recorder process and
// its transcoder children.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/recordarr/internal/state"
)

// Sampler records usage samples into the store. CPU percentages are
// measured between consecutive samples, so the first sample of a process
// reports zero.
type Sampler struct {
	store  *state.Store
	pid    int32
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	self     *process.Process
	children map[int32]*process.Process
}

// New creates a sampler for the current process.
func New(store *state.Store) *Sampler {
	return &Sampler{
		store:    store,
		pid:      int32(os.Getpid()), //nolint:gosec // pids fit in int32
		logger:   slog.Default(),
		now:      time.Now,
		children: make(map[int32]*process.Process),
	}
}

// WithLogger sets a custom logger.
func (s *Sampler) WithLogger(logger *slog.Logger) *Sampler {
	s.logger = logger
	return s
}

// WithPID samples another process tree.
func (s *Sampler) WithPID(pid int32) *Sampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	s.self = nil
	s.children = make(map[int32]*process.Process)
	return s
}

// Sample measures the process tree and stores the result.
func (s *Sampler) Sample(ctx context.Context) (state.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.self == nil {
		p, err := process.NewProcessWithContext(ctx, s.pid)
		if err != nil {
			return state.Usage{}, fmt.Errorf("opening process %d: %w", s.pid, err)
		}
		s.self = p
	}

	u := state.Usage{SampledAt: s.now()}
	cpu, rss, err := measure(ctx, s.self)
	if err != nil {
		s.self = nil
		return state.Usage{}, fmt.Errorf("sampling process %d: %w", s.pid, err)
	}
	u.CPUPercent += cpu
	u.RSSBytes += rss

	children, err := s.self.ChildrenWithContext(ctx)
	if err != nil && !errors.Is(err, process.ErrorNoChildren) {
		s.logger.Debug("failed to list child processes", slog.String("error", err.Error()))
	}

	seen := make(map[int32]*process.Process, len(children))
	for _, child := range children {
		// Keep the handle from the previous sample so CPU deltas carry over.
		p, ok := s.children[child.Pid]
		if !ok {
			p = child
		}
		cpu, rss, err := measure(ctx, p)
		if err != nil {
			// Exited between listing and sampling.
			continue
		}
		seen[child.Pid] = p
		u.CPUPercent += cpu
		u.RSSBytes += rss
		u.Children++
	}
	s.children = seen

	s.store.SetUsage(u)
	return u, nil
}

// Run samples once and logs failures. It suits a timer callback.
func (s *Sampler) Run(ctx context.Context) {
	u, err := s.Sample(ctx)
	if err != nil {
		s.logger.Warn("usage sample failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("usage sampled",
		slog.Float64("cpu_percent", u.CPUPercent),
		slog.Uint64("rss_bytes", u.RSSBytes),
		slog.Int("children", u.Children))
}

func measure(ctx context.Context, p *process.Process) (float64, uint64, error) {
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	return cpu, mem.RSS, nil
}
