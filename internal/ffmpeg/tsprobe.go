package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/asticode/go-astits"
)

const (
	ptsClockRate = 90000
	ptsWrap      = int64(1) << 33
)

// TSProber measures MPEG-TS duration from PES timestamps without spawning
// ffprobe. The duration is the widest PTS span of any elementary stream.
type TSProber struct{}

// NewTSProber creates a TS prober.
func NewTSProber() *TSProber {
	return &TSProber{}
}

type ptsSpan struct {
	first, min, max int64
}

// ProbeDuration implements capture.DurationProber.
func (p *TSProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return p.probe(ctx, bufio.NewReaderSize(f, 64<<10))
}

func (p *TSProber) probe(ctx context.Context, r *bufio.Reader) (float64, error) {
	dmx := astits.NewDemuxer(ctx, r)
	spans := make(map[uint16]*ptsSpan)

	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if len(spans) > 0 {
				// A segment still being written ends mid-packet.
				break
			}
			return 0, fmt.Errorf("demuxing: %w", err)
		}
		if d == nil || d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS
		if pts == nil {
			continue
		}

		span, ok := spans[d.PID]
		if !ok {
			spans[d.PID] = &ptsSpan{first: pts.Base, min: pts.Base, max: pts.Base}
			continue
		}
		base := pts.Base
		if base < span.first-ptsWrap/2 {
			base += ptsWrap
		}
		if base < span.min {
			span.min = base
		}
		if base > span.max {
			span.max = base
		}
	}

	var widest int64
	for _, span := range spans {
		if d := span.max - span.min; d > widest {
			widest = d
		}
	}
	if len(spans) == 0 {
		return 0, ErrNoDuration
	}
	return float64(widest) / ptsClockRate, nil
}
