package capture

import (
	"cmp"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type verdict int

const (
	notReady verdict = iota
	ready
	// needsAvailabilityCheck means the file is short of target and the
	// source has not been seen to end yet.
	needsAvailabilityCheck
)

// assess decides whether a probed segment is complete. A file is ready once
// it reaches target, or once end-of-life was detected at least grace ago.
func assess(duration, target float64, endOfLife, now time.Time, grace time.Duration) verdict {
	if duration >= target {
		return ready
	}
	if endOfLife.IsZero() {
		return needsAvailabilityCheck
	}
	if now.Sub(endOfLife) >= grace {
		return ready
	}
	return notReady
}

// segmentFile is a work directory entry awaiting readiness.
type segmentFile struct {
	path    string
	modTime time.Time
}

// segmentNumber returns the trailing number of a segment file name, so
// segment_100000.ts sorts after segment_99999.ts.
func segmentNumber(path string) (int, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i == len(stem) {
		return 0, false
	}
	n, err := strconv.Atoi(stem[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// creationOrder sorts numbered segments by number, then mod time. Files
// without a number follow, oldest first.
func creationOrder(files []segmentFile) {
	slices.SortStableFunc(files, func(a, b segmentFile) int {
		an, aok := segmentNumber(a.path)
		bn, bok := segmentNumber(b.path)
		switch {
		case aok && !bok:
			return -1
		case !aok && bok:
			return 1
		case aok && bok && an != bn:
			return cmp.Compare(an, bn)
		}
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
}
