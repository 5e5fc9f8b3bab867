package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/recordarr/internal/capture"
)

// ErrNoDuration is returned when a file carries no usable duration.
var ErrNoDuration = errors.New("no duration")

// ProbeResult is the subset of ffprobe output used here.
type ProbeResult struct {
	Format ProbeFormat `json:"format"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	StartTime  string `json:"start_time"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// DurationSeconds parses the container duration.
func (f ProbeFormat) DurationSeconds() (float64, error) {
	if f.Duration == "" || f.Duration == "N/A" {
		return 0, ErrNoDuration
	}
	d, err := strconv.ParseFloat(f.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", f.Duration, err)
	}
	return d, nil
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a new ffprobe prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe runs ffprobe against a file or URL.
func (p *Prober) Probe(ctx context.Context, target string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args, target)

	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// ProbeDuration returns the media duration of path in seconds.
func (p *Prober) ProbeDuration(ctx context.Context, path string) (float64, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return result.Format.DurationSeconds()
}

// FallbackProber tries each prober in order and returns the first success.
type FallbackProber struct {
	probers []capture.DurationProber
	logger  *slog.Logger
}

// NewFallbackProber chains probers. Nil entries are skipped.
func NewFallbackProber(probers ...capture.DurationProber) *FallbackProber {
	fp := &FallbackProber{logger: slog.Default()}
	for _, p := range probers {
		if p != nil {
			fp.probers = append(fp.probers, p)
		}
	}
	return fp
}

// WithLogger sets a custom logger.
func (f *FallbackProber) WithLogger(logger *slog.Logger) *FallbackProber {
	f.logger = logger
	return f
}

// ProbeDuration implements capture.DurationProber.
func (f *FallbackProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	var errs []error
	for i, p := range f.probers {
		d, err := p.ProbeDuration(ctx, path)
		if err == nil {
			return d, nil
		}
		if i < len(f.probers)-1 {
			f.logger.Debug("duration probe failed, trying next prober",
				slog.String("file", path),
				slog.String("error", err.Error()))
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, ErrNoDuration
	}
	return 0, errors.Join(errs...)
}
