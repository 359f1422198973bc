package perfstats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Package perfstats records throughput and timing of the overlay node.

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Update a moving average with a new sample. The first sample initializes the average.
// We don't bother about strict correctness with CompareAndSwap, because it's OK to miss a sample.
func UpdateMovingAverage(stat *atomic.Int64, value int64) {
	if stat.Load() == 0 {
		stat.Store(value)
	} else {
		stat.Store((stat.Load()*63 + value) >> 6)
	}
}

// Number of recent publish times that we keep, for measuring frame rate
const recentFramesSize = 30

// FrameStats counts what happens to matched frames. It is safe for concurrent use.
type FrameStats struct {
	Matched   atomic.Int64 // Number of (image, detections) pairs received from the synchronizer
	Published atomic.Int64 // Number of annotated images published
	Rejected  atomic.Int64 // Frames dropped because a detection had no hypothesis
	Failed    atomic.Int64 // Frames dropped for other reasons (bad encoding, publish failure)

	annotateNS atomic.Int64 // Moving average of annotation time

	lock      sync.Mutex
	annotate  TimeAccumulator
	published ringbuffer.RingP[time.Time]
}

func NewFrameStats() *FrameStats {
	return &FrameStats{
		published: ringbuffer.NewRingP[time.Time](recentFramesSize),
	}
}

// Record the time it took to annotate a single frame
func (s *FrameStats) AddAnnotateTime(d time.Duration) {
	UpdateMovingAverage(&s.annotateNS, d.Nanoseconds())
	s.lock.Lock()
	s.annotate.AddSample(d)
	s.lock.Unlock()
}

// Record that a frame was published at time 'now'
func (s *FrameStats) AddPublished(now time.Time) {
	s.Published.Add(1)
	s.lock.Lock()
	s.published.Add(now)
	s.lock.Unlock()
}

// Returns the publish rate over the recent frames, or zero if we don't have enough frames
func (s *FrameStats) RecentFPS() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := s.published.Len()
	if n < 2 {
		return 0
	}
	elapsed := s.published.Peek(n - 1).Sub(s.published.Peek(0))
	if elapsed <= 0 {
		return 0
	}
	return float64(n-1) / elapsed.Seconds()
}

// Snapshot is a JSON-friendly copy of FrameStats
type Snapshot struct {
	Matched             int64   `json:"matched"`
	Published           int64   `json:"published"`
	Rejected            int64   `json:"rejected"`
	Failed              int64   `json:"failed"`
	AnnotateAverageMS   float64 `json:"annotateAverageMS"`
	AnnotateMovingAvgMS float64 `json:"annotateMovingAvgMS"`
	RecentFPS           float64 `json:"recentFPS"`
}

func (s *FrameStats) Snapshot() Snapshot {
	s.lock.Lock()
	avg := s.annotate.Average()
	s.lock.Unlock()
	return Snapshot{
		Matched:             s.Matched.Load(),
		Published:           s.Published.Load(),
		Rejected:            s.Rejected.Load(),
		Failed:              s.Failed.Load(),
		AnnotateAverageMS:   float64(avg.Nanoseconds()) / 1e6,
		AnnotateMovingAvgMS: float64(s.annotateNS.Load()) / 1e6,
		RecentFPS:           s.RecentFPS(),
	}
}
