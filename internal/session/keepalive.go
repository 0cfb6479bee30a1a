package session

import (
	"math"
	"sync/atomic"
	"time"
)

// ewmaAlpha weights the most recent RTT sample against the running
// average, matching the smoothing factor the teacher's control-channel
// keepalive uses for its own RTT estimate.
const ewmaAlpha = 0.3

// rttTracker maintains an exponentially weighted moving average RTT
// from ping/pong round trips, grounded on the teacher's ControlChannel
// keepalive (spec.md SPEC_FULL.md supplemented feature #4). Only the
// direct peer session runs it, and the estimate is exposed through
// Session.RTT(); the rendezvous signaling connection sends no pings, and
// no deadline is enforced on a missing pong.
type rttTracker struct {
	nanos atomic.Int64
}

func (t *rttTracker) update(sample time.Duration) {
	current := t.nanos.Load()
	if current == 0 {
		t.nanos.Store(int64(sample))
		return
	}
	next := ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(current)
	t.nanos.Store(int64(math.Round(next)))
}

// RTT returns the current smoothed round-trip estimate, zero if no
// sample has landed yet.
func (t *rttTracker) RTT() time.Duration {
	return time.Duration(t.nanos.Load())
}
