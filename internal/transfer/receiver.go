package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/integrity"
	"github.com/AkaakuHub/fast-transfre/internal/protocol"
)

// ReceiverConfig holds the receive-side tunables: how long a gap may
// persist before a retry-request is emitted, and how many indices one
// gap-detection cycle may request at once (spec.md §4.5 "Periodic gap
// detection").
type ReceiverConfig struct {
	GapTimeout       time.Duration
	GapCheckInterval time.Duration
	GapMaxPerCycle   int
}

// DefaultReceiverConfig mirrors the gap-detection defaults the teacher
// repo ships for its own server-side gap tracker.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		GapTimeout:       60 * time.Second,
		GapCheckInterval: 5 * time.Second,
		GapMaxPerCycle:   5,
	}
}

// Receiver is the receive half of a file transfer session: it verifies
// every sub-chunk's digest, acks it or sends a retry-request for it on a
// mismatch, detects gaps, and
// assembles the file once every sub-chunk has been verified.
type Receiver struct {
	cfg    ReceiverConfig
	sink   Sink
	out    *FrameWriter
	logger *slog.Logger
	stats  *statsCounters

	mu             sync.Mutex
	plan           *chunkplan.Plan
	expectedDigest map[int]string
	pendingData    map[int][]byte
	verified       map[int]bool
	payloads       map[int][]byte
	verifiedCount  int
	completed      bool
	gap            *GapTracker

	completeCh   chan struct{}
	completeOnce sync.Once
}

// NewReceiver builds a Receiver that writes assembled output to sink and
// sends acks and retry-requests over out.
func NewReceiver(cfg ReceiverConfig, sink Sink, out *FrameWriter, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		cfg:            cfg,
		sink:           sink,
		out:            out,
		logger:         logger,
		stats:          newStatsCounters(),
		expectedDigest: make(map[int]string),
		pendingData:    make(map[int][]byte),
		verified:       make(map[int]bool),
		payloads:       make(map[int][]byte),
		completeCh:     make(chan struct{}),
	}
}

// Stats returns a point-in-time snapshot; see Sender.Stats.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	plan := r.plan
	r.mu.Unlock()
	if plan == nil {
		return Stats{}
	}
	return r.stats.snapshot(plan.FileSize, plan.TotalChunks, len(plan.MainChunks))
}

// Done returns a channel that closes once assembly completes.
func (r *Receiver) Done() <-chan struct{} { return r.completeCh }

// Reattach points the receiver at a freshly established channel after
// an Interrupted transition, so acks/nacks for sub-chunks that were
// already verified before the drop go out on the new transport
// (SPEC_FULL.md supplemented feature #1, "resume across reconnect").
// Already-verified sub-chunks are untouched: the receiver never
// re-requests or re-verifies them.
func (r *Receiver) Reattach(out *FrameWriter) {
	r.out = out
}

// HandleControl dispatches an inbound control record to the right
// handler. Only file-start and chunk-metadata are meaningful on the
// receive side; anything else (acks, nacks, retry-requests) belongs to
// the sender and is ignored here.
func (r *Receiver) HandleControl(rec *protocol.ControlRecord) error {
	switch rec.Type {
	case protocol.ControlFileStart:
		return r.handleFileStart(rec.FileStart)
	case protocol.ControlChunkMetadata:
		return r.handleChunkMetadata(rec.ChunkMetadata)
	case protocol.ControlTransferComplete:
		// Informational only: the receiver decides completion from its
		// own verified count, not from the sender's announcement.
		return nil
	default:
		return nil
	}
}

func (r *Receiver) handleFileStart(fs *protocol.FileStartPayload) error {
	if fs == nil {
		return fmt.Errorf("transfer: file-start missing payload")
	}
	plan, err := chunkplan.New(fs.Size, fs.MainSize, fs.SubSize)
	if err != nil {
		return fmt.Errorf("transfer: deriving plan: %w", err)
	}
	if plan.TotalChunks != fs.TotalChunks {
		return &PlanMismatchError{Field: "total_chunks", Want: plan.TotalChunks, Got: fs.TotalChunks}
	}

	r.mu.Lock()
	r.plan = plan
	r.gap = NewGapTracker(r.cfg.GapTimeout, r.cfg.GapMaxPerCycle, r.logger)
	r.mu.Unlock()

	if err := r.sink.Open(fs.Name, fs.Size); err != nil {
		return &FatalTransferError{Reason: "opening sink", Err: err}
	}

	if plan.TotalChunks == 0 || fs.Size == 0 {
		return r.finishIfComplete()
	}
	return nil
}

func (r *Receiver) handleChunkMetadata(md *protocol.ChunkMetadataPayload) error {
	if md == nil {
		return fmt.Errorf("transfer: chunk-metadata missing payload")
	}

	r.mu.Lock()
	if r.plan == nil {
		r.mu.Unlock()
		return fmt.Errorf("transfer: chunk-metadata before file-start")
	}
	if r.verified[md.FlatIndex] {
		r.mu.Unlock()
		return nil
	}
	r.expectedDigest[md.FlatIndex] = md.Digest
	pending, hasPending := r.pendingData[md.FlatIndex]
	delete(r.pendingData, md.FlatIndex)
	r.mu.Unlock()

	if hasPending {
		return r.verifyAndStore(md.FlatIndex, pending)
	}
	return nil
}

// HandleData processes an inbound data frame. Per spec.md §4.5, the
// receiver must tolerate a data frame arriving before its metadata.
func (r *Receiver) HandleData(hdr *protocol.DataHeader, payload []byte) error {
	flatIndex := int(hdr.FlatIndex)

	r.mu.Lock()
	if r.plan != nil && (flatIndex < 0 || flatIndex >= r.plan.TotalChunks) {
		r.mu.Unlock()
		return nil // excess flat index, rejected per invariant 3
	}
	if r.verified[flatIndex] {
		r.mu.Unlock()
		// Already verified: the data itself is a no-op, but re-emit the
		// ack in case this resend happened precisely because the
		// original ack never reached the sender (e.g. the channel was
		// severed between verifyAndStore's sink write and its ack write,
		// then Session.Resume triggered a retransmit of what the sender
		// still believes is unacked). Without this, that sub-chunk's
		// admission/flow-control reservation on the sender side would
		// never be released, since no new data arrives to trigger a
		// fresh ack.
		return r.out.WriteControl(&protocol.ControlRecord{
			Type:     protocol.ControlChunkAck,
			ChunkAck: &protocol.ChunkAckPayload{FlatIndices: []int{flatIndex}},
		})
	}
	if r.gap != nil {
		r.gap.RecordChunk(flatIndex)
	}
	digest, known := r.expectedDigest[flatIndex]
	if !known {
		r.pendingData[flatIndex] = payload
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.verifyAndStore(flatIndex, payload)
}

func (r *Receiver) verifyAndStore(flatIndex int, payload []byte) error {
	r.mu.Lock()
	digest, known := r.expectedDigest[flatIndex]
	r.mu.Unlock()
	if !known {
		return nil
	}

	if err := integrity.Verify(payload, digest); err != nil {
		r.mu.Lock()
		delete(r.expectedDigest, flatIndex)
		r.mu.Unlock()
		r.logger.Warn("digest mismatch", "flat_index", flatIndex, "error", err)
		return r.out.WriteControl(&protocol.ControlRecord{
			Type: protocol.ControlRetryRequest,
			RetryRequest: &protocol.RetryRequestPayload{FlatIndices: []int{flatIndex}},
		})
	}

	sub, ok := r.plan.SubChunkAt(flatIndex)
	if !ok {
		return fmt.Errorf("transfer: unknown flat index %d", flatIndex)
	}
	if err := r.sink.WriteAt(sub.Offset, payload); err != nil {
		return &FatalTransferError{Reason: "writing to sink", Err: err}
	}

	r.mu.Lock()
	r.verified[flatIndex] = true
	r.payloads[flatIndex] = payload
	r.verifiedCount++
	r.gap.ResolveGap(flatIndex)
	r.mu.Unlock()

	r.stats.bytesCompleted.Add(sub.Length)
	r.stats.subChunksAcked.Add(1)
	if isLastSubChunkOfMain(r.plan, sub) {
		r.stats.mainChunksAcked.Add(1)
	}

	if err := r.out.WriteControl(&protocol.ControlRecord{
		Type:     protocol.ControlChunkAck,
		ChunkAck: &protocol.ChunkAckPayload{FlatIndices: []int{flatIndex}},
	}); err != nil {
		return err
	}

	return r.finishIfComplete()
}

func (r *Receiver) finishIfComplete() error {
	r.mu.Lock()
	plan := r.plan
	done := plan != nil && r.verifiedCount >= plan.TotalChunks
	alreadyCompleted := r.completed
	if done {
		r.completed = true
	}
	r.mu.Unlock()

	if !done || alreadyCompleted {
		return nil
	}

	digest, totalLen, err := r.assemble()
	if err != nil {
		return err
	}
	if totalLen != plan.FileSize {
		return &AssemblyLengthMismatchError{Want: plan.FileSize, Got: totalLen}
	}
	if err := r.sink.Close(); err != nil {
		return &FatalTransferError{Reason: "closing sink", Err: err}
	}

	r.completeOnce.Do(func() { close(r.completeCh) })

	return r.out.WriteControl(&protocol.ControlRecord{
		Type: protocol.ControlTransferComplete,
		TransferComplete: &protocol.TransferCompletePayload{
			WholeFileDigest: digest,
			Size:            totalLen,
		},
	})
}

// assemble concatenates every verified sub-chunk in ascending flat-index
// order to compute the whole-file digest and final length, per
// spec.md §4.5 "Assembly". The bytes themselves were already written to
// the sink as each sub-chunk verified; this pass is a bookkeeping and
// integrity step, not a second data copy to the sink.
func (r *Receiver) assemble() (string, int64, error) {
	r.mu.Lock()
	plan := r.plan
	payloads := r.payloads
	r.mu.Unlock()

	acc := integrity.NewAccumulator()
	var total int64
	for _, sub := range plan.Flatten() {
		payload, ok := payloads[sub.FlatIndex]
		if !ok {
			return "", 0, &AssemblyLengthMismatchError{Want: plan.FileSize, Got: total}
		}
		acc.Write(payload)
		total += int64(len(payload))
	}
	return acc.Sum(), total, nil
}

// CheckGaps scans for sub-chunks that have been missing longer than
// GapTimeout and emits a bounded retry-request batch for them.
func (r *Receiver) CheckGaps() error {
	r.mu.Lock()
	gap := r.gap
	r.mu.Unlock()
	if gap == nil {
		return nil
	}

	missing := gap.CheckGaps()
	if len(missing) == 0 {
		return nil
	}
	if err := r.out.WriteControl(&protocol.ControlRecord{
		Type:         protocol.ControlRetryRequest,
		RetryRequest: &protocol.RetryRequestPayload{FlatIndices: missing},
	}); err != nil {
		return err
	}
	for _, idx := range missing {
		gap.MarkNotified(idx)
	}
	return nil
}

// RunGapDetection runs CheckGaps on cfg.GapCheckInterval until ctx is
// cancelled or the transfer completes.
func (r *Receiver) RunGapDetection(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.GapCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.completeCh:
			return
		case <-ticker.C:
			if err := r.CheckGaps(); err != nil {
				r.logger.Warn("gap detection check failed", "error", err)
			}
		}
	}
}

// AssemblyLengthMismatchError reports that the concatenated verified
// sub-chunks did not sum to the announced file size (spec.md §4.5).
type AssemblyLengthMismatchError struct {
	Want int64
	Got  int64
}

func (e *AssemblyLengthMismatchError) Error() string {
	return fmt.Sprintf("transfer: assembly length mismatch: want %d, got %d", e.Want, e.Got)
}
