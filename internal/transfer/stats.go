package transfer

import (
	"sync/atomic"
	"time"
)

// Stats is the read-only snapshot view described in spec.md §3: computed
// on demand from atomic counters maintained by the pipelines, never
// mutated by the external collaborator (CLI progress printer, health
// check, observability sink) that reads it.
type Stats struct {
	BytesCompleted  int64
	TotalBytes      int64
	SubChunksAcked  int
	SubChunksTotal  int
	MainChunksAcked int
	MainChunksTotal int
	Failed          int
	BytesPerSecond  float64
}

// statsCounters is the mutable side a pipeline owns and updates; snapshot
// renders a Stats value from it plus a point-in-time rate computed from
// a start timestamp, never handing out the live counters themselves.
type statsCounters struct {
	bytesCompleted  atomic.Int64
	subChunksAcked  atomic.Int64
	mainChunksAcked atomic.Int64
	failed          atomic.Int64
	startedAt       time.Time
}

func newStatsCounters() *statsCounters {
	return &statsCounters{startedAt: time.Now()}
}

func (c *statsCounters) snapshot(totalBytes int64, subTotal, mainTotal int) Stats {
	elapsed := time.Since(c.startedAt).Seconds()
	bytesDone := c.bytesCompleted.Load()
	var rate float64
	if elapsed > 0 {
		rate = float64(bytesDone) / elapsed
	}
	return Stats{
		BytesCompleted:  bytesDone,
		TotalBytes:      totalBytes,
		SubChunksAcked:  int(c.subChunksAcked.Load()),
		SubChunksTotal:  subTotal,
		MainChunksAcked: int(c.mainChunksAcked.Load()),
		MainChunksTotal: mainTotal,
		Failed:          int(c.failed.Load()),
		BytesPerSecond:  rate,
	}
}
