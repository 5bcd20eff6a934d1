package pager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextIncrementStartsAtSixteenPages(t *testing.T) {
	g := &growthState{}
	inc := g.nextIncrement(0, 4096, time.Now())
	require.Equal(t, int64(16*4096), inc)
}

func TestNextIncrementDoublesWhenGrowingFast(t *testing.T) {
	g := &growthState{}
	now := time.Now()
	first := g.nextIncrement(0, 4096, now)

	second := g.nextIncrement(first, 4096, now.Add(5*time.Second))
	require.Equal(t, first*2, second)
}

func TestNextIncrementHalvesAfterQuietPeriod(t *testing.T) {
	g := &growthState{}
	now := time.Now()
	first := g.nextIncrement(0, 4096, now)
	second := g.nextIncrement(first*8, 4096, now.Add(5*time.Second)) // warm it up
	third := g.nextIncrement(second*8, 4096, now.Add(3*time.Minute))

	require.Equal(t, second/2, third)
}

func TestNextIncrementFloorsAtMinimum(t *testing.T) {
	g := &growthState{lastIncrement: int64(minGrowIncrementPages) * 4096, haveGrown: true, lastGrowAt: time.Now().Add(-3 * time.Minute)}
	inc := g.nextIncrement(1 << 30, 4096, time.Now())
	require.Equal(t, int64(minGrowIncrementPages)*4096, inc)
}

func TestNextIncrementCapsAtMaximum(t *testing.T) {
	g := &growthState{
		lastIncrement: int64(maxGrowIncrementPages) * 4096,
		haveGrown:     true,
		lastGrowAt:    time.Now(),
	}
	inc := g.nextIncrement(1<<40, 4096, time.Now().Add(time.Second))
	require.Equal(t, int64(maxGrowIncrementPages)*4096, inc)
}

func TestNextIncrementNeverExceedsQuarterOfCurrentLength(t *testing.T) {
	g := &growthState{}
	inc := g.nextIncrement(4096*1000, 4096, time.Now())
	require.LessOrEqual(t, inc, int64(4096*1000)/4)
}

func TestRoundUpPow2(t *testing.T) {
	require.Equal(t, int64(1), roundUpPow2(0))
	require.Equal(t, int64(1), roundUpPow2(1))
	require.Equal(t, int64(8), roundUpPow2(5))
	require.Equal(t, int64(1024), roundUpPow2(1024))
	require.Equal(t, int64(2048), roundUpPow2(1025))
}
