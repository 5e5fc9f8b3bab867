package assembly

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/recordarr/internal/ffmpeg"
)

// concatRun stands in for ffmpeg: it reads the manifest and concatenates the
// listed files into the output.
func concatRun(t *testing.T, seen *[]string) runFunc {
	return func(_ context.Context, cmd *ffmpeg.Command) error {
		f, err := os.Open(cmd.Input)
		require.NoError(t, err)
		defer f.Close()

		var out []byte
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			path := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
			*seen = append(*seen, path)
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out = append(out, data...)
		}
		return os.WriteFile(cmd.Output, out, 0o644)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAssemble_OrdersByNameAndRemovesManifest(t *testing.T) {
	dir := t.TempDir()
	b := writeFile(t, dir, "segment_00001.ts", "BBB")
	a := writeFile(t, dir, "segment_00000.ts", "AA")
	c := writeFile(t, dir, "segment_00002.ts", "C")

	var seen []string
	asm := New("ffmpeg")
	asm.run = concatRun(t, &seen)

	result := asm.Assemble(context.Background(), []string{b, c, a}, dir, "recording.ts")
	require.True(t, result.OK(), "unexpected error: %v", result.Err)
	assert.Equal(t, filepath.Join(dir, "recording.ts"), result.Output)
	assert.Equal(t, int64(6), result.Size)
	assert.Equal(t, 3, result.Segments)
	assert.Equal(t, []string{a, b, c}, seen)

	data, err := os.ReadFile(result.Output)
	require.NoError(t, err)
	assert.Equal(t, "AABBBC", string(data))

	assert.NoFileExists(t, filepath.Join(dir, ".recording.ts.concat.txt"))
}

func TestAssemble_SoftFailure(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "segment_00000.ts", "AA")

	asm := New("ffmpeg")
	asm.run = func(context.Context, *ffmpeg.Command) error {
		return errors.New("exit status 1: Invalid data found")
	}

	result := asm.Assemble(context.Background(), []string{a}, dir, "recording.ts")
	require.Error(t, result.Err)
	assert.False(t, result.OK())
	assert.Contains(t, result.Err.Error(), "Invalid data found")
	assert.NoFileExists(t, filepath.Join(dir, ".recording.ts.concat.txt"))
}

func TestAssemble_NoSegments(t *testing.T) {
	result := New("ffmpeg").Assemble(context.Background(), nil, t.TempDir(), "recording.ts")
	assert.ErrorIs(t, result.Err, ErrNoSegments)
}

func TestAssemble_BuildsConcatCommand(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "segment_00000.ts", "AA")

	var args []string
	asm := New("/opt/ffmpeg").WithLogLevel("warning")
	asm.run = func(_ context.Context, cmd *ffmpeg.Command) error {
		args = cmd.Args
		return os.WriteFile(cmd.Output, []byte("x"), 0o644)
	}

	result := asm.Assemble(context.Background(), []string{a}, dir, "out.ts")
	require.NoError(t, result.Err)

	manifest := filepath.Join(dir, ".out.ts.concat.txt")
	assert.Equal(t, []string{
		"-loglevel", "warning", "-hide_banner", "-y",
		"-f", "concat", "-safe", "0", "-i", manifest,
		"-map", "0", "-c", "copy",
		filepath.Join(dir, "out.ts"),
	}, args)
}

func TestEscapeConcatPath(t *testing.T) {
	assert.Equal(t, `/rec/it'\''s/a.ts`, escapeConcatPath("/rec/it's/a.ts"))
}

func TestIntegration_AssembleWithFFmpeg(t *testing.T) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	dir := t.TempDir()
	ctx := context.Background()
	var segments []string
	for i, name := range []string{"segment_00000.ts", "segment_00001.ts"} {
		path := filepath.Join(dir, name)
		cmd := ffmpeg.NewCommandBuilder(ffmpegPath).
			HideBanner().
			Overwrite().
			InputArgs("-f", "lavfi").
			Input("testsrc=duration=1:size=160x120:rate=25").
			OutputArgs("-c:v", "mpeg2video", "-f", "mpegts", "-output_ts_offset", []string{"0", "1"}[i]).
			Output(path).
			Build()
		if err := cmd.Run(ctx); err != nil {
			t.Skipf("could not create test clip: %v", err)
		}
		segments = append(segments, path)
	}

	result := New(ffmpegPath).Assemble(ctx, segments, dir, "recording.ts")
	require.NoError(t, result.Err)
	assert.Positive(t, result.Size)
}
