package pager

import "time"

const (
	minGrowIncrementPages = 16
	maxGrowIncrementPages = 262144 // 1 GiB worth of 4 KiB pages

	growSpeedupWindow = 30 * time.Second
	growSlowdownAfter = 2 * time.Minute
)

// growthState tracks the throttling inputs for nextIncrement: the size
// of the last grow and when it happened, plus the configured increment
// bounds in bytes. A zero-value growthState falls back to
// minGrowIncrementPages/maxGrowIncrementPages, so tests that construct
// one bare keep the historical defaults.
type growthState struct {
	lastIncrement int64 // bytes
	lastGrowAt    time.Time
	haveGrown     bool

	minIncrement int64 // bytes; <= 0 means use minGrowIncrementPages*pageSize
	maxIncrement int64 // bytes; <= 0 means use maxGrowIncrementPages*pageSize
}

// nextIncrement computes the byte size of the next backing-region grow,
// given the current region length in bytes and now. It implements the
// throttling rule verbatim: start at the configured minimum, double if
// the previous grow was under growSpeedupWindow ago (capped at the
// configured maximum), halve if it was over growSlowdownAfter ago
// (floored at the configured minimum), then clamp to at most a quarter
// of the current length and round up to a power of two. The quarter
// clamp is skipped when that quarter is below the configured minimum,
// so a small region still grows by at least the minimum increment.
func (g *growthState) nextIncrement(currentLength int64, pageSize int, now time.Time) int64 {
	minInc := g.minIncrement
	if minInc <= 0 {
		minInc = int64(minGrowIncrementPages) * int64(pageSize)
	}
	maxInc := g.maxIncrement
	if maxInc <= 0 {
		maxInc = int64(maxGrowIncrementPages) * int64(pageSize)
	}

	inc := minInc
	if g.haveGrown {
		elapsed := now.Sub(g.lastGrowAt)
		switch {
		case elapsed < growSpeedupWindow:
			inc = g.lastIncrement * 2
			if inc > maxInc {
				inc = maxInc
			}
		case elapsed > growSlowdownAfter:
			inc = g.lastIncrement / 2
			if inc < minInc {
				inc = minInc
			}
		default:
			inc = g.lastIncrement
		}
	}

	if currentLength > 0 {
		quarter := currentLength / 4
		if inc > quarter && quarter >= minInc {
			inc = quarter
		}
	}

	inc = roundUpPow2(inc)

	g.lastIncrement = inc
	g.lastGrowAt = now
	g.haveGrown = true
	return inc
}

func roundUpPow2(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}
