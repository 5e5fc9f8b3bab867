// Package scheduler decides when each configured stream is recorded.
//
// Every tick probes each stream that is not already in flight. A reachable
// stream gets a session; an internal fault schedules one delayed retry.
// Timers are cron @every schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/recordarr/internal/capture"
	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/observability"
	"github.com/jmylchreest/recordarr/internal/session"
	"github.com/jmylchreest/recordarr/internal/state"
)

// Phase is the scheduling state of one stream.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseProbing   Phase = "probing"
	PhaseCapturing Phase = "capturing"
)

// Session is one recording attempt.
type Session interface {
	ID() string
	Run(ctx context.Context) error
}

// SessionFactory creates a session recording sourceURL for stream.
type SessionFactory func(stream config.StreamConfig, sourceURL string) Session

// VariantSelector picks the playlist to record from a stream URL.
type VariantSelector interface {
	SelectVariant(ctx context.Context, name, masterURL, preference string) string
}

// Config holds scheduler timing.
type Config struct {
	TickInterval  time.Duration
	PingInterval  time.Duration
	RetryDelay    time.Duration
	UsageInterval time.Duration
}

// DefaultConfig returns the default scheduler timing.
func DefaultConfig() Config {
	return Config{
		TickInterval:  5 * time.Minute,
		PingInterval:  15 * time.Minute,
		RetryDelay:    30 * time.Second,
		UsageInterval: time.Minute,
	}
}

// FromConfig converts the scheduler section of the application config.
func FromConfig(cfg config.SchedulerConfig) Config {
	return Config{
		TickInterval:  cfg.TickInterval,
		PingInterval:  cfg.PingInterval,
		RetryDelay:    cfg.RetryDelay,
		UsageInterval: cfg.UsageInterval,
	}
}

// Scheduler runs sessions for configured streams with single-flight
// execution per stream name.
type Scheduler struct {
	store      *state.Store
	streams    []config.StreamConfig
	prober     capture.AvailabilityChecker
	selector   VariantSelector
	newSession SessionFactory
	sampler    func(ctx context.Context)
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cron     *cron.Cron
	inFlight map[string]Phase
	retries  map[string]*time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a scheduler. selector may be nil, in which case the
// configured URL is recorded as is.
func New(store *state.Store, streams []config.StreamConfig, prober capture.AvailabilityChecker, selector VariantSelector, newSession SessionFactory) *Scheduler {
	return &Scheduler{
		store:      store,
		streams:    streams,
		prober:     prober,
		selector:   selector,
		newSession: newSession,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		inFlight:   make(map[string]Phase),
		retries:    make(map[string]*time.Timer),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithConfig applies non-zero timing values.
func (s *Scheduler) WithConfig(cfg Config) *Scheduler {
	if cfg.TickInterval > 0 {
		s.cfg.TickInterval = cfg.TickInterval
	}
	if cfg.PingInterval > 0 {
		s.cfg.PingInterval = cfg.PingInterval
	}
	if cfg.RetryDelay > 0 {
		s.cfg.RetryDelay = cfg.RetryDelay
	}
	if cfg.UsageInterval > 0 {
		s.cfg.UsageInterval = cfg.UsageInterval
	}
	return s
}

// WithUsageSampler registers fn to run every usage interval.
func (s *Scheduler) WithUsageSampler(fn func(ctx context.Context)) *Scheduler {
	s.sampler = fn
	return s
}

// Start registers the timers and runs the first tick immediately.
// Sessions run under ctx; cancelling it interrupts them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	if _, err := c.AddFunc(every(s.cfg.TickInterval), s.Tick); err != nil {
		return fmt.Errorf("scheduling tick: %w", err)
	}
	if _, err := c.AddFunc(every(s.cfg.PingInterval), s.store.RotatePings); err != nil {
		return fmt.Errorf("scheduling ping rotation: %w", err)
	}
	if s.sampler != nil {
		sample := func() { s.sampler(ctx) }
		if _, err := c.AddJob(every(s.cfg.UsageInterval), cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(sample))); err != nil {
			return fmt.Errorf("scheduling usage sampler: %w", err)
		}
	}

	s.ctx = ctx
	s.cron = c
	s.stopped = false
	c.Start()

	s.logger.Info("scheduler started",
		slog.Int("streams", len(s.streams)),
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.Duration("ping_interval", s.cfg.PingInterval),
		slog.Duration("retry_delay", s.cfg.RetryDelay))

	go s.Tick()
	return nil
}

// Stop halts the timers and pending retries. In-flight sessions keep
// running; use Wait to block until they finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	c := s.cron
	for name, t := range s.retries {
		t.Stop()
		delete(s.retries, name)
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every in-flight session has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick triggers every configured stream that is not already in flight.
func (s *Scheduler) Tick() {
	for _, stream := range s.streams {
		s.trigger(stream)
	}
}

// Phase returns the scheduling phase of the named stream.
func (s *Scheduler) Phase(name string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inFlight[name]; ok {
		return p
	}
	return PhaseIdle
}

func (s *Scheduler) trigger(stream config.StreamConfig) {
	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inFlight[stream.Name]; busy {
		s.mu.Unlock()
		s.logger.Debug("stream already in flight, skipping", slog.String("stream", stream.Name))
		return
	}
	s.inFlight[stream.Name] = PhaseProbing
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		retry := s.runStream(ctx, stream)
		s.setPhase(stream.Name, PhaseIdle)
		if retry {
			s.scheduleRetry(stream)
		}
	}()
}

// runStream probes and records one stream. It reports whether the attempt
// ended in an internal fault that warrants a retry.
func (s *Scheduler) runStream(ctx context.Context, stream config.StreamConfig) bool {
	logger := observability.WithStream(observability.WithComponent(s.logger, "scheduler"), stream.Name)

	if !s.prober.IsAvailable(ctx, stream.URL) {
		logger.Debug("stream unavailable")
		s.markInactive(stream.Name, logger)
		return false
	}

	sourceURL := stream.URL
	if s.selector != nil {
		sourceURL = s.selector.SelectVariant(ctx, stream.Name, stream.URL, stream.Quality)
	}

	sess := s.newSession(stream, sourceURL)
	s.setPhase(stream.Name, PhaseCapturing)
	logger.Info("starting session", slog.String("session_id", sess.ID()), slog.String("source", sourceURL))

	err := sess.Run(ctx)
	switch {
	case err == nil:
		logger.Info("session finished", slog.String("session_id", sess.ID()))
	case errors.Is(err, session.ErrEngineFault), errors.Is(err, session.ErrSetup):
		if errors.Is(err, session.ErrSetup) {
			s.markInactive(stream.Name, logger)
		}
		logger.Warn("session failed, scheduling retry",
			slog.String("session_id", sess.ID()),
			slog.Duration("retry_in", s.cfg.RetryDelay),
			slog.String("error", err.Error()))
		return true
	default:
		logger.Info("session interrupted",
			slog.String("session_id", sess.ID()),
			slog.String("error", err.Error()))
	}
	return false
}

func (s *Scheduler) scheduleRetry(stream config.StreamConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.retries[stream.Name]; ok {
		t.Stop()
	}
	s.retries[stream.Name] = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		delete(s.retries, stream.Name)
		s.mu.Unlock()
		s.trigger(stream)
	})
}

func (s *Scheduler) setPhase(name string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phase == PhaseIdle {
		delete(s.inFlight, name)
		return
	}
	s.inFlight[name] = phase
}

func (s *Scheduler) markInactive(name string, logger *slog.Logger) {
	if err := s.store.UpdateStream(name, func(st *state.StreamState) {
		st.Active = false
	}); err != nil {
		logger.Error("failed to update stream state", slog.String("error", err.Error()))
	}
}

// every builds a cron @every schedule. cron rounds intervals below one second
// up to one second.
func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
