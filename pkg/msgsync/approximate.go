package msgsync

import (
	"sync"
	"time"

	"github.com/cyclopcam/displaydetections/pkg/rosmsg"
)

// Package msgsync pairs up messages from two topics whose timestamps are close to each other.

const (
	DefaultQueueSize = 5
	DefaultSlop      = 10 * time.Millisecond
)

// ApproximateTime joins two message streams by timestamp proximity.
//
// Each stream has a queue of at most QueueSize messages, keyed by timestamp.
// When a message arrives, we look in the other queue for the message whose timestamp
// is closest, and if the difference is less than Slop, we emit the pair and remove both
// messages from their queues. Messages that fall off the end of a queue are silently dropped.
//
// The callback is invoked while holding the synchronizer's lock, so callbacks never overlap.
// The callback must not call back into the synchronizer.
type ApproximateTime[A, B rosmsg.Stamped] struct {
	queueSize int
	slop      int64 // nanoseconds
	callback  func(a A, b B)

	lock     sync.Mutex
	queueA   map[int64]A
	queueB   map[int64]B
	evictedA int64
	evictedB int64
	matched  int64
}

// Create a new synchronizer. If queueSize or slop are zero, the defaults are used.
func NewApproximateTime[A, B rosmsg.Stamped](queueSize int, slop time.Duration, callback func(a A, b B)) *ApproximateTime[A, B] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if slop <= 0 {
		slop = DefaultSlop
	}
	return &ApproximateTime[A, B]{
		queueSize: queueSize,
		slop:      slop.Nanoseconds(),
		callback:  callback,
		queueA:    map[int64]A{},
		queueB:    map[int64]B{},
	}
}

// Stats about the synchronizer
type Stats struct {
	Matched  int64 `json:"matched"`  // Number of pairs emitted
	EvictedA int64 `json:"evictedA"` // Messages from stream A that aged out without a partner
	EvictedB int64 `json:"evictedB"` // Messages from stream B that aged out without a partner
	QueuedA  int   `json:"queuedA"`
	QueuedB  int   `json:"queuedB"`
}

func (s *ApproximateTime[A, B]) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return Stats{
		Matched:  s.matched,
		EvictedA: s.evictedA,
		EvictedB: s.evictedB,
		QueuedA:  len(s.queueA),
		QueuedB:  len(s.queueB),
	}
}

// AddA adds a message from the first stream
func (s *ApproximateTime[A, B]) AddA(msg A) {
	s.lock.Lock()
	defer s.lock.Unlock()

	stamp := msg.GetHeader().Stamp.Nanos()
	s.queueA[stamp] = msg
	s.evictedA += trimQueue(s.queueA, s.queueSize)
	if _, ok := s.queueA[stamp]; !ok {
		// We were the oldest message, and were evicted immediately
		return
	}

	other, ok := closestStamp(s.queueB, stamp, s.slop)
	if !ok {
		return
	}
	b := s.queueB[other]
	delete(s.queueA, stamp)
	delete(s.queueB, other)
	s.matched++
	s.callback(msg, b)
}

// AddB adds a message from the second stream
func (s *ApproximateTime[A, B]) AddB(msg B) {
	s.lock.Lock()
	defer s.lock.Unlock()

	stamp := msg.GetHeader().Stamp.Nanos()
	s.queueB[stamp] = msg
	s.evictedB += trimQueue(s.queueB, s.queueSize)
	if _, ok := s.queueB[stamp]; !ok {
		return
	}

	other, ok := closestStamp(s.queueA, stamp, s.slop)
	if !ok {
		return
	}
	a := s.queueA[other]
	delete(s.queueA, other)
	delete(s.queueB, stamp)
	s.matched++
	s.callback(a, msg)
}

// Remove the oldest entries until the queue is no longer than maxSize.
// Returns the number of entries removed.
func trimQueue[M any](queue map[int64]M, maxSize int) int64 {
	var n int64
	for len(queue) > maxSize {
		oldest := int64(0)
		first := true
		for stamp := range queue {
			if first || stamp < oldest {
				oldest = stamp
				first = false
			}
		}
		delete(queue, oldest)
		n++
	}
	return n
}

// Find the stamp in queue that is closest to 'stamp', and strictly less than slop away from it.
// Ties go to the earlier stamp.
func closestStamp[M any](queue map[int64]M, stamp, slop int64) (int64, bool) {
	best := int64(0)
	bestDelta := int64(-1)
	for s := range queue {
		delta := s - stamp
		if delta < 0 {
			delta = -delta
		}
		if delta >= slop {
			continue
		}
		if bestDelta == -1 || delta < bestDelta || (delta == bestDelta && s < best) {
			best = s
			bestDelta = delta
		}
	}
	return best, bestDelta != -1
}
