package chat

import (
	"time"
)

// SlidingWindow admits at most limit events within a rolling window,
// tracking exact event timestamps in a deque. Rejected attempts are not
// recorded. Amortized O(1) per call.
//
// Not safe for concurrent use; every window is owned by a single session
// and mutated only under that session's lock.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	stamps []time.Time
	head   int
}

// NewSlidingWindow creates a window limiter using the monotonic wall clock.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

// Allow records the event and returns true if the window has room.
// On rejection it returns the duration until the oldest recorded event
// leaves the window, rounded up to a whole second.
func (w *SlidingWindow) Allow() (bool, time.Duration) {
	now := w.now()
	cutoff := now.Add(-w.window)

	for w.head < len(w.stamps) && !w.stamps[w.head].After(cutoff) {
		w.head++
	}
	// Reclaim evicted capacity once the dead prefix dominates.
	if w.head > len(w.stamps)/2 {
		w.stamps = append(w.stamps[:0], w.stamps[w.head:]...)
		w.head = 0
	}

	if len(w.stamps)-w.head >= w.limit {
		retryAfter := w.stamps[w.head].Add(w.window).Sub(now)
		return false, retryAfter.Truncate(time.Second) + time.Second
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

// Len returns the number of events currently inside the window. The count
// reflects the state as of the last Allow call.
func (w *SlidingWindow) Len() int {
	return len(w.stamps) - w.head
}
