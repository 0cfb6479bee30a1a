package transfer

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// GapTracker detects missing sub-chunks in the receive pipeline's flat
// index stream. A gap is tolerated while it might just be normal
// out-of-order delivery; only once it persists past gapTimeout is it
// reported (once) as a candidate for a retry-request record.
type GapTracker struct {
	mu sync.Mutex

	received     map[int]bool
	maxSeenIndex int
	hasSeen      bool

	firstSeen    map[int]time.Time
	notifiedGaps map[int]bool

	gapTimeout    time.Duration
	maxPerCycle   int
	logger        *slog.Logger
}

// NewGapTracker creates a GapTracker for one receive session.
func NewGapTracker(gapTimeout time.Duration, maxPerCycle int, logger *slog.Logger) *GapTracker {
	if maxPerCycle <= 0 {
		maxPerCycle = 5
	}
	return &GapTracker{
		received:     make(map[int]bool),
		firstSeen:    make(map[int]time.Time),
		notifiedGaps: make(map[int]bool),
		gapTimeout:   gapTimeout,
		maxPerCycle:  maxPerCycle,
		logger:       logger,
	}
}

// RecordChunk registers that flatIndex has arrived (the receiver calls it
// before verifying the digest), seeding firstSeen entries for any lower
// index not yet recorded.
func (gt *GapTracker) RecordChunk(flatIndex int) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	gt.received[flatIndex] = true
	delete(gt.firstSeen, flatIndex)
	delete(gt.notifiedGaps, flatIndex)

	now := time.Now()

	if !gt.hasSeen {
		if flatIndex > 0 {
			for i := 0; i < flatIndex; i++ {
				if !gt.received[i] {
					gt.firstSeen[i] = now
				}
			}
		}
		gt.maxSeenIndex = flatIndex
		gt.hasSeen = true
		return
	}

	if flatIndex > gt.maxSeenIndex {
		for i := gt.maxSeenIndex + 1; i < flatIndex; i++ {
			if !gt.received[i] {
				if _, exists := gt.firstSeen[i]; !exists {
					gt.firstSeen[i] = now
				}
			}
		}
		gt.maxSeenIndex = flatIndex
	}
}

// CheckGaps returns up to maxPerCycle flat indices that have been
// missing longer than gapTimeout and have not already been reported.
// Call MarkNotified for each index actually placed on the wire in a
// retry-request record.
func (gt *GapTracker) CheckGaps() []int {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	now := time.Now()
	keys := make([]int, 0, len(gt.firstSeen))
	for idx := range gt.firstSeen {
		keys = append(keys, idx)
	}
	sort.Ints(keys)

	var gaps []int
	for _, idx := range keys {
		if gt.notifiedGaps[idx] {
			continue
		}
		if gt.received[idx] {
			delete(gt.firstSeen, idx)
			continue
		}
		if now.Sub(gt.firstSeen[idx]) < gt.gapTimeout {
			continue
		}
		gaps = append(gaps, idx)
		if len(gaps) >= gt.maxPerCycle {
			break
		}
	}
	return gaps
}

// MarkNotified records that a retry-request for flatIndex was sent
// successfully, suppressing repeat requests until RearmGap is called.
func (gt *GapTracker) MarkNotified(flatIndex int) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	if gt.received[flatIndex] {
		delete(gt.firstSeen, flatIndex)
		delete(gt.notifiedGaps, flatIndex)
		return
	}
	if _, exists := gt.firstSeen[flatIndex]; exists {
		gt.notifiedGaps[flatIndex] = true
	}
}

// RearmGap resets the wait window for a gap whose retransmission also
// appears to have been lost, so a fresh retry-request may be emitted
// after another gapTimeout.
func (gt *GapTracker) RearmGap(flatIndex int) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	if gt.received[flatIndex] {
		delete(gt.firstSeen, flatIndex)
		delete(gt.notifiedGaps, flatIndex)
		return
	}
	gt.firstSeen[flatIndex] = time.Now()
	delete(gt.notifiedGaps, flatIndex)
}

// ResolveGap marks flatIndex as actually received, independent of
// RecordChunk, for callers that learn of arrival through a different path.
func (gt *GapTracker) ResolveGap(flatIndex int) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	gt.received[flatIndex] = true
	delete(gt.firstSeen, flatIndex)
	delete(gt.notifiedGaps, flatIndex)
}

// PendingGaps returns the number of indices currently considered missing.
func (gt *GapTracker) PendingGaps() int {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	count := 0
	for idx := range gt.firstSeen {
		if !gt.received[idx] {
			count++
		}
	}
	return count
}
