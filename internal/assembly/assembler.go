// Package assembly losslessly concatenates a session's segments into one
// deliverable file.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmylchreest/recordarr/internal/ffmpeg"
)

// ErrNoSegments is reported when there is nothing to assemble.
var ErrNoSegments = errors.New("no segments to assemble")

// Result is the outcome of an assembly. Err is set on failure; assembly
// never returns an error directly.
type Result struct {
	Output   string
	Size     int64
	Segments int
	Err      error
}

// OK reports whether the artifact was produced.
func (r Result) OK() bool {
	return r.Err == nil
}

// runFunc executes a built command.
type runFunc func(ctx context.Context, cmd *ffmpeg.Command) error

// Assembler runs ffmpeg's concat demuxer over ordered segments.
type Assembler struct {
	ffmpegPath string
	logLevel   string
	logger     *slog.Logger
	run        runFunc
}

// New creates an assembler using the given ffmpeg binary.
func New(ffmpegPath string) *Assembler {
	return &Assembler{
		ffmpegPath: ffmpegPath,
		logLevel:   "error",
		logger:     slog.Default(),
		run: func(ctx context.Context, cmd *ffmpeg.Command) error {
			return cmd.Run(ctx)
		},
	}
}

// WithLogger sets a custom logger.
func (a *Assembler) WithLogger(logger *slog.Logger) *Assembler {
	a.logger = logger
	return a
}

// WithLogLevel sets the ffmpeg log level.
func (a *Assembler) WithLogLevel(level string) *Assembler {
	if level != "" {
		a.logLevel = level
	}
	return a
}

// Assemble concatenates segmentPaths, ordered by file name, into
// outputDir/finalName. The concat manifest is always removed.
func (a *Assembler) Assemble(ctx context.Context, segmentPaths []string, outputDir, finalName string) Result {
	output := filepath.Join(outputDir, finalName)
	result := Result{Output: output, Segments: len(segmentPaths)}

	if len(segmentPaths) == 0 {
		result.Err = ErrNoSegments
		return result
	}

	ordered := SortByName(segmentPaths)

	manifest, err := writeManifest(outputDir, finalName, ordered)
	if manifest != "" {
		defer func() {
			if rmErr := os.Remove(manifest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				a.logger.Warn("failed to remove concat manifest",
					slog.String("path", manifest),
					slog.String("error", rmErr.Error()))
			}
		}()
	}
	if err != nil {
		result.Err = fmt.Errorf("writing concat manifest: %w", err)
		return result
	}

	cmd := ffmpeg.NewCommandBuilder(a.ffmpegPath).
		LogLevel(a.logLevel).
		HideBanner().
		Overwrite().
		InputArgs("-f", "concat", "-safe", "0").
		Input(manifest).
		OutputArgs("-map", "0", "-c", "copy").
		Output(output).
		Build()

	a.logger.Debug("assembling segments",
		slog.String("output", output),
		slog.Int("segments", len(ordered)),
		slog.String("command", cmd.String()))

	if err := a.run(ctx, cmd); err != nil {
		result.Err = fmt.Errorf("concatenating segments: %w", err)
		return result
	}

	info, err := os.Stat(output)
	if err != nil {
		result.Err = fmt.Errorf("reading artifact: %w", err)
		return result
	}
	result.Size = info.Size()
	return result
}

// SortByName returns a copy of paths ordered by base file name.
func SortByName(paths []string) []string {
	ordered := append([]string(nil), paths...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return filepath.Base(ordered[i]) < filepath.Base(ordered[j])
	})
	return ordered
}

// writeManifest writes a concat demuxer list and returns its path. The path
// is returned even on a partial write so the caller can remove it.
func writeManifest(outputDir, finalName string, paths []string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\n", escapeConcatPath(abs))
	}

	manifest := filepath.Join(outputDir, "."+finalName+".concat.txt")
	if err := os.WriteFile(manifest, []byte(b.String()), 0o644); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// escapeConcatPath quotes single quotes for the concat demuxer.
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}
