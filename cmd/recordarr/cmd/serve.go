package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recordarr/internal/assembly"
	"github.com/jmylchreest/recordarr/internal/capture"
	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/database"
	"github.com/jmylchreest/recordarr/internal/ffmpeg"
	"github.com/jmylchreest/recordarr/internal/hls"
	internalhttp "github.com/jmylchreest/recordarr/internal/http"
	"github.com/jmylchreest/recordarr/internal/http/handlers"
	"github.com/jmylchreest/recordarr/internal/notify"
	"github.com/jmylchreest/recordarr/internal/observability"
	"github.com/jmylchreest/recordarr/internal/repository"
	"github.com/jmylchreest/recordarr/internal/scheduler"
	"github.com/jmylchreest/recordarr/internal/session"
	"github.com/jmylchreest/recordarr/internal/startup"
	"github.com/jmylchreest/recordarr/internal/state"
	"github.com/jmylchreest/recordarr/internal/storage"
	"github.com/jmylchreest/recordarr/internal/usage"
	"github.com/jmylchreest/recordarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start recording configured streams",
	Long: `Start the scheduler and the status API.

Every configured stream is probed on each tick and recorded while it is
live. The first SIGINT or SIGTERM stops scheduling and waits for active
recordings to finish; a second one interrupts them. Interrupted recordings
are still assembled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the status API to")
	serveCmd.Flags().Int("port", 8080, "Port for the status API")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for work and output files")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
}

func componentLogger(name string) *slog.Logger {
	return observability.WithComponent(slog.Default(), name)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	if len(cfg.Streams) == 0 {
		logger.Warn("no streams configured")
	}

	rootCtx, cancelRoot := context.WithCancel(cmd.Context())
	defer cancelRoot()

	bins, err := ffmpeg.ResolveBinaries(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err != nil {
		return fmt.Errorf("resolving ffmpeg: %w", err)
	}
	if err := bins.DetectVersion(rootCtx); err != nil {
		logger.Warn("could not detect ffmpeg version", slog.String("error", err.Error()))
	}
	logger.Info("using ffmpeg",
		slog.String("ffmpeg", bins.FFmpegPath),
		slog.String("ffprobe", bins.FFprobePath),
		slog.String("version", bins.Version))

	db, err := database.New(cfg.Database, componentLogger("database"), nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()
	if err := db.Migrate(rootCtx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	artifacts := repository.NewArtifactRepository(db.DB)

	names := make([]string, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		names = append(names, s.Name)
	}
	store := state.NewStore(names)

	if _, err := startup.SeedArtifacts(rootCtx, logger, artifacts, store); err != nil {
		logger.Warn("failed to load recorded artifacts", slog.String("error", err.Error()))
	}
	if _, err := startup.CleanupStaleWorkDirs(logger, cfg.Storage.WorkPath(), cfg.Storage.StaleWorkDirAge); err != nil {
		logger.Warn("failed to clean stale work directories", slog.String("error", err.Error()))
	}
	if err := os.MkdirAll(cfg.Storage.WorkPath(), 0o750); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	output, err := storage.NewSandbox(cfg.Storage.OutputPath())
	if err != nil {
		return fmt.Errorf("initializing output storage: %w", err)
	}

	sched, err := buildScheduler(cfg, bins, store, output, artifacts)
	if err != nil {
		return err
	}

	var server *internalhttp.Server
	if cfg.Server.Enabled {
		server = internalhttp.NewServer(cfg.Server, componentLogger("http"), version.Version)
		handlers.NewHealthHandler(version.Version, store).WithDB(db).Register(server.API())
		handlers.NewStatusHandler(store).Register(server.API())
	}

	return run(rootCtx, cancelRoot, logger, sched, server)
}

// buildScheduler wires the capture pipeline for every stream.
func buildScheduler(cfg *config.Config, bins *ffmpeg.BinaryInfo, store *state.Store, output *storage.Sandbox, artifacts session.ArtifactRecorder) (*scheduler.Scheduler, error) {
	prober := hls.NewProber(cfg.Probe.UserAgent, cfg.Probe.Timeout).WithLogger(componentLogger("prober"))
	selector := hls.NewSelector(manifestClient(cfg.Probe, componentLogger("selector"))).WithLogger(componentLogger("selector"))

	var durations []capture.DurationProber
	if bins.FFprobePath != "" {
		durations = append(durations, ffmpeg.NewProber(bins.FFprobePath).WithTimeout(cfg.Probe.Timeout))
	}
	durations = append(durations, ffmpeg.NewTSProber())

	segmenter := ffmpeg.NewSegmenter(ffmpeg.SegmenterConfig{
		BinaryPath:    bins.FFmpegPath,
		LogLevel:      cfg.FFmpeg.LogLevel,
		InputOptions:  cfg.FFmpeg.InputOptions,
		OutputOptions: cfg.FFmpeg.OutputOptions,
		StderrLog:     cfg.FFmpeg.StderrLog,
	}).WithLogger(componentLogger("ffmpeg"))

	engine := capture.NewEngine(segmenter, ffmpeg.NewFallbackProber(durations...).WithLogger(componentLogger("duration")), prober).
		WithLogger(componentLogger("capture")).
		WithConfig(capture.Config{
			PollInterval:      cfg.Capture.PollInterval,
			EndOfLifeGrace:    cfg.Capture.EndOfLifeGrace,
			DrainPollInterval: cfg.Capture.DrainPollInterval,
			DrainTimeout:      cfg.Capture.DrainTimeout,
			FailsafeTimeout:   cfg.Capture.FailsafeTimeout,
			FailsafeGrace:     cfg.Capture.FailsafeGrace,
			SegmentPattern:    cfg.Capture.SegmentPattern,
		})

	uploader, err := storage.NewUploader(cfg.Upload, componentLogger("upload"))
	if err != nil {
		return nil, fmt.Errorf("initializing uploader: %w", err)
	}
	publisher := storage.NewPublisher(uploader, cfg.Upload.Timeout, cfg.Upload.DeleteOnFailure).
		WithLogger(componentLogger("upload"))

	deps := session.Deps{
		Store:            store,
		Engine:           engine,
		Assembler:        assembly.New(bins.FFmpegPath).WithLogger(componentLogger("assembly")),
		Publisher:        publisher,
		Notifier:         notify.New(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Timeout, componentLogger("webhook")),
		Artifacts:        artifacts,
		Output:           output,
		WorkRoot:         cfg.Storage.WorkPath(),
		ArtifactFileName: cfg.Capture.ArtifactFileName,
		Logger:           slog.Default(),
	}
	newSession := func(stream config.StreamConfig, sourceURL string) scheduler.Session {
		return session.New(deps, stream, sourceURL)
	}

	sampler := usage.New(store).WithLogger(componentLogger("usage"))

	return scheduler.New(store, cfg.Streams, prober, selector, newSession).
		WithLogger(slog.Default()).
		WithConfig(scheduler.FromConfig(cfg.Scheduler)).
		WithUsageSampler(sampler.Run), nil
}

// run starts the scheduler and the optional server and blocks until
// shutdown. The first signal stops scheduling and drains active sessions;
// a second one cancels them.
func run(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, sched *scheduler.Scheduler, server *internalhttp.Server) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	httpCtx, stopHTTP := context.WithCancel(context.Background())
	defer stopHTTP()
	serverErr := make(chan error, 1)
	if server != nil {
		go func() { serverErr <- server.ListenAndServe(httpCtx) }()
	}

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown requested, waiting for active recordings",
			slog.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = err
		server = nil
		logger.Error("http server failed, shutting down", slog.String("error", errString(err)))
		cancel()
	case <-ctx.Done():
	}

	sched.Stop()

	drained := make(chan struct{})
	go func() {
		_ = sched.Wait(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
	case sig := <-sigCh:
		logger.Warn("second signal received, interrupting recordings",
			slog.String("signal", sig.String()))
		cancel()
		<-drained
	}
	logger.Info("all recordings finished")

	if server != nil {
		stopHTTP()
		if err := <-serverErr; err != nil {
			logger.Warn("http server shutdown", slog.String("error", err.Error()))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "server exited"
	}
	return err.Error()
}
