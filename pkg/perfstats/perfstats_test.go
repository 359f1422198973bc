package perfstats

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(2 * time.Millisecond)
	a.AddSample(4 * time.Millisecond)
	require.Equal(t, 3*time.Millisecond, a.Average())
	a.Reset()
	require.EqualValues(t, 0, a.Samples)
}

func TestMovingAverage(t *testing.T) {
	var v atomic.Int64
	UpdateMovingAverage(&v, 6400)
	require.EqualValues(t, 6400, v.Load())
	UpdateMovingAverage(&v, 6400+64)
	require.EqualValues(t, 6401, v.Load())
}

func TestFrameStats(t *testing.T) {
	s := NewFrameStats()
	require.Equal(t, 0.0, s.RecentFPS())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		s.AddPublished(start.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	require.InDelta(t, 10.0, s.RecentFPS(), 0.001)

	s.Matched.Add(3)
	s.Rejected.Add(1)
	s.AddAnnotateTime(time.Millisecond)
	snap := s.Snapshot()
	require.EqualValues(t, 3, snap.Matched)
	require.EqualValues(t, 100, snap.Published)
	require.EqualValues(t, 1, snap.Rejected)
	require.InDelta(t, 1.0, snap.AnnotateAverageMS, 0.0001)
	require.InDelta(t, 1.0, snap.AnnotateMovingAvgMS, 0.0001)
}
