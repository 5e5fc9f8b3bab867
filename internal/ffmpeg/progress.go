package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/recordarr/internal/capture"
)

var (
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*(\w+)/s`)
	timeRe    = regexp.MustCompile(`time=\s*(-?\d+:\d+:\d+(?:\.\d+)?)`)
)

// ParseProgressLine extracts a progress report from an ffmpeg stats line.
// Lines without a time= field are not progress lines.
func ParseProgressLine(line string) (capture.Progress, bool) {
	m := timeRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return capture.Progress{}, false
	}

	p := capture.Progress{Timemark: m[1]}

	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}

	if m := bitrateRe.FindStringSubmatch(line); len(m) > 2 {
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			p.Kbps = toKbps(value, m[2])
		}
	}

	return p, true
}

// toKbps normalises an ffmpeg bitrate unit to kilobits per second.
func toKbps(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "bits":
		return value / 1000
	case "mbits":
		return value * 1000
	case "gbits":
		return value * 1000 * 1000
	default:
		return value
	}
}

// ParseTimemark converts an HH:MM:SS.xx timemark to a duration.
func ParseTimemark(mark string) (time.Duration, bool) {
	negative := strings.HasPrefix(mark, "-")
	mark = strings.TrimPrefix(mark, "-")

	parts := strings.Split(mark, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}

	d := time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs*float64(time.Second))
	if negative {
		d = -d
	}
	return d, true
}
