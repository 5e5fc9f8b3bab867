package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jmylchreest/recordarr/internal/util"
)

// Environment variables that override binary discovery.
const (
	FFmpegEnvVar  = "RECORDARR_FFMPEG_BINARY"
	FFprobeEnvVar = "RECORDARR_FFPROBE_BINARY"
)

// BinaryInfo describes the resolved ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path,omitempty"`
	Version     string `json:"version,omitempty"`
}

// ResolveBinaries locates ffmpeg (required) and ffprobe (optional). A
// configured path wins over discovery.
func ResolveBinaries(ffmpegPath, ffprobePath string) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	path, err := util.ResolveBinary(ffmpegPath, "ffmpeg", FFmpegEnvVar)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info.FFmpegPath = path

	if path, err := util.ResolveBinary(ffprobePath, "ffprobe", FFprobeEnvVar); err == nil {
		info.FFprobePath = path
	}
	return info, nil
}

// DetectVersion runs ffmpeg -version and records the version string.
func (info *BinaryInfo) DetectVersion(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, info.FFmpegPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version = parseVersion(string(output))
	return nil
}

// parseVersion extracts the token after "ffmpeg version".
func parseVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			return parts[2]
		}
	}
	return ""
}
