// Package transfer implements the send and receive pipelines of the
// bulk chunk-transfer engine: backpressure-governed, bounded-concurrency
// sending on one side, ordered verification and reassembly on the
// other. Both halves speak the frames defined in internal/protocol over
// a Channel supplied by internal/session, and share the chunk layout
// computed by internal/chunkplan.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/integrity"
	"github.com/AkaakuHub/fast-transfre/internal/protocol"
)

// SenderConfig holds the tunable parameters enumerated in spec.md §6.
type SenderConfig struct {
	MainSize           int64
	SubSize            int64
	HighWaterMark      int64
	LowWaterThreshold  int64
	MaxConcurrentSends int
	MaxRetries         int

	// AdaptiveTuning enables the bounded adaptive inter-send delay
	// described in spec.md §4.4 ("Adaptive tuning (optional, bounded)");
	// the write size is not adapted. Off by default.
	AdaptiveTuning bool
}

// DefaultSenderConfig returns the configurable-parameter defaults from
// spec.md §6.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MainSize:           chunkplan.DefaultMainSize,
		SubSize:            chunkplan.DefaultSubSize,
		HighWaterMark:      64 << 20,
		LowWaterThreshold:  1 << 20,
		MaxConcurrentSends: 3,
		MaxRetries:         3,
	}
}

type subSendState int

const (
	stateSendPending subSendState = iota
	stateSendInflight
	stateSendAcked
	stateSendFailed
)

// Sender is the send half of a file transfer session. It owns a
// single-writer loop (Run) that emits frames in flat-index order,
// interleaved with acks/nacks delivered asynchronously by the session
// layer via HandleAck/HandleNack/HandleRetryRequest, matching the
// cooperative single-task model described in spec.md §5: the loop and
// the handlers update per-index send state under mu, and the handlers
// signal the condition variable the loop waits on.
type Sender struct {
	cfg    SenderConfig
	plan   *chunkplan.Plan
	source Source
	out    *FrameWriter
	logger *slog.Logger
	stats  *statsCounters

	gauge *FlowGauge
	sem   chan struct{}

	adaptive *adaptiveTuner

	mu         sync.Mutex
	cond       *sync.Cond
	retries    map[int]int
	states     map[int]subSendState
	retryQueue []int
	queuedSet  map[int]bool
	ackedCount int
	started    bool
	fatal      error

	// cursor is the flat-index walk position in plan.Flatten(). It is a
	// Sender field rather than a Run-local variable so that a second call
	// to Run after Reattach picks up exactly where the interrupted call
	// left off instead of re-walking indices the resume preamble already
	// placed on retryQueue, which would otherwise double-reserve
	// admission/flow-control capacity for them (see sendSubChunk's
	// stateSendAcked guard, which only catches the acked case).
	cursor int
}

// FrameWriter serializes every control and data frame write onto one
// underlying transport. A single FrameWriter instance is shared between
// the Sender/Receiver pipeline and the session layer's keepalive
// ping/pong so that a ping can never interleave with the two writes
// that make up a chunk-metadata/data-frame pair.
type FrameWriter struct {
	mu sync.Mutex
	w  interface {
		Write(p []byte) (int, error)
	}
}

// NewFrameWriter wraps w (typically the session's negotiated Channel).
func NewFrameWriter(w interface{ Write([]byte) (int, error) }) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteControl(rec *protocol.ControlRecord) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return protocol.WriteControl(fw.w, rec)
}

func (fw *FrameWriter) WriteData(flatIndex uint32, payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return protocol.WriteData(fw.w, flatIndex, payload)
}

// NewSender builds a Sender for the given plan, reading from source and
// writing frames through out (typically shared with the session's
// keepalive ping/pong via the same FrameWriter).
func NewSender(cfg SenderConfig, plan *chunkplan.Plan, source Source, out *FrameWriter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		cfg:       cfg,
		plan:      plan,
		source:    source,
		out:       out,
		logger:    logger,
		stats:     newStatsCounters(),
		gauge:     NewFlowGauge(cfg.HighWaterMark),
		sem:       make(chan struct{}, cfg.MaxConcurrentSends),
		retries:   make(map[int]int),
		states:    make(map[int]subSendState),
		queuedSet: make(map[int]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	if cfg.AdaptiveTuning {
		s.adaptive = newAdaptiveTuner(cfg.HighWaterMark)
	}
	return s
}

// Stats returns a point-in-time snapshot for external collaborators
// (progress printers, health checks); it never mutates pipeline state.
func (s *Sender) Stats() Stats {
	return s.stats.snapshot(s.plan.FileSize, s.plan.TotalChunks, len(s.plan.MainChunks))
}

// Run drives the send loop to completion: file-start, every sub-chunk
// in flat-index order (plus any retries interleaved in as they are
// requested), then transfer-complete once every sub-chunk is acked.
// It returns once the transfer finishes, is cancelled, or a sub-chunk
// exhausts MAX_RETRIES.
func (s *Sender) Run(ctx context.Context) error {
	order := s.plan.Flatten()
	total := len(order)

	s.mu.Lock()
	alreadyStarted := s.started
	s.started = true
	s.fatal = nil
	s.mu.Unlock()

	if !alreadyStarted {
		if err := s.out.WriteControl(&protocol.ControlRecord{
			Type: protocol.ControlFileStart,
			FileStart: &protocol.FileStartPayload{
				Name:        s.source.Name(),
				Size:        s.plan.FileSize,
				MainSize:    s.plan.MainSize,
				SubSize:     s.plan.SubSize,
				TotalChunks: s.plan.TotalChunks,
			},
		}); err != nil {
			return fmt.Errorf("transfer: sending file-start: %w", err)
		}
	}

	s.mu.Lock()
	// On resume, every sub-chunk already marked inflight by the
	// interrupted attempt needs retransmitting: the old transport is
	// gone, so nothing ever acked them.
	for flat, st := range s.states {
		if st == stateSendInflight {
			s.states[flat] = stateSendPending
			if !s.queuedSet[flat] {
				s.queuedSet[flat] = true
				s.retryQueue = append(s.retryQueue, flat)
			}
		}
	}
	for {
		if s.fatal != nil {
			err := s.fatal
			s.mu.Unlock()
			return err
		}

		if len(s.retryQueue) > 0 {
			flat := s.retryQueue[0]
			s.retryQueue = s.retryQueue[1:]
			delete(s.queuedSet, flat)
			s.mu.Unlock()
			if err := s.sendSubChunk(ctx, flat); err != nil {
				return err
			}
			s.mu.Lock()
			continue
		}

		if s.cursor < total {
			flat := order[s.cursor].FlatIndex
			s.cursor++
			s.mu.Unlock()
			if err := s.sendSubChunk(ctx, flat); err != nil {
				return err
			}
			s.mu.Lock()
			continue
		}

		if s.ackedCount >= total {
			s.mu.Unlock()
			break
		}

		if ctx.Err() != nil {
			err := ctx.Err()
			s.mu.Unlock()
			return err
		}
		s.cond.Wait()
	}

	return s.out.WriteControl(&protocol.ControlRecord{
		Type: protocol.ControlTransferComplete,
		TransferComplete: &protocol.TransferCompletePayload{
			Size: s.plan.FileSize,
		},
	})
}

// sendSubChunk reads, digests, and emits one sub-chunk, gated by the
// backpressure and admission-control loops of spec.md §4.4 steps c-e.
func (s *Sender) sendSubChunk(ctx context.Context, flatIndex int) error {
	s.mu.Lock()
	if s.states[flatIndex] == stateSendAcked {
		s.mu.Unlock()
		return nil
	}
	attempt := s.retries[flatIndex]
	s.mu.Unlock()

	sub, ok := s.plan.SubChunkAt(flatIndex)
	if !ok {
		return fmt.Errorf("transfer: unknown flat index %d", flatIndex)
	}

	payload, err := s.source.ReadRange(sub.Offset, sub.Length)
	if err != nil {
		return &FatalTransferError{Reason: "source read failed", Err: err}
	}
	digest := integrity.Digest(payload)

	for {
		if err := s.gauge.Reserve(ctx, sub.Length); err != nil {
			return &FatalTransferError{Reason: "backpressure wait interrupted", Err: err}
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.gauge.Release(sub.Length)
			return &FatalTransferError{Reason: "admission wait interrupted", Err: ctx.Err()}
		}

		if s.adaptive != nil {
			s.adaptive.observe(s.gauge.Outstanding(), s.cfg.HighWaterMark)
			time.Sleep(s.adaptive.delay())
		}

		writeErr := s.emitSubChunk(flatIndex, sub, payload, digest)
		if writeErr == nil {
			break
		}

		<-s.sem
		s.gauge.Release(sub.Length)

		if isTransientSendError(writeErr) {
			s.logger.Warn("transient send error, retrying after backpressure wait",
				"flat_index", flatIndex, "error", writeErr)
			continue
		}
		return &FatalTransferError{Reason: "sending sub-chunk", Err: writeErr}
	}

	s.mu.Lock()
	s.states[flatIndex] = stateSendInflight
	s.retries[flatIndex] = attempt
	s.mu.Unlock()
	return nil
}

func (s *Sender) emitSubChunk(flatIndex int, sub chunkplan.SubChunk, payload []byte, digest string) error {
	if err := s.out.WriteControl(&protocol.ControlRecord{
		Type: protocol.ControlChunkMetadata,
		ChunkMetadata: &protocol.ChunkMetadataPayload{
			FlatIndex: flatIndex,
			Length:    len(payload),
			Digest:    digest,
		},
	}); err != nil {
		return err
	}
	return s.out.WriteData(uint32(flatIndex), payload)
}

func isTransientSendError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "queue full")
}

// HandleAck processes a chunk-ack record. Duplicate acks for an
// already-acked index are idempotent no-ops (spec.md §8 invariant 7).
func (s *Sender) HandleAck(flatIndices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flat := range flatIndices {
		if s.states[flat] == stateSendAcked {
			continue
		}
		sub, ok := s.plan.SubChunkAt(flat)
		if !ok {
			continue
		}
		s.states[flat] = stateSendAcked
		s.ackedCount++
		s.stats.bytesCompleted.Add(sub.Length)
		s.stats.subChunksAcked.Add(1)
		if isLastSubChunkOfMain(s.plan, sub) {
			s.stats.mainChunksAcked.Add(1)
		}
		<-s.sem
		s.gauge.Release(sub.Length)
	}
	s.cond.Broadcast()
}

func isLastSubChunkOfMain(plan *chunkplan.Plan, sub chunkplan.SubChunk) bool {
	main := plan.MainChunks[sub.MainIndex]
	return len(main.SubChunks) > 0 && main.SubChunks[len(main.SubChunks)-1].FlatIndex == sub.FlatIndex
}

// HandleNack processes a chunk-nack: the sub-chunk is requeued for
// retransmission unless it has exhausted MAX_RETRIES, in which case the
// session must transition to FatalTransfer (spec.md §8 invariant 6).
func (s *Sender) HandleNack(flatIndex int, reason string) {
	s.requeue(flatIndex, fmt.Sprintf("nack: %s", reason))
}

// HandleRetryRequest processes a retry-request record, which the
// receiver emits for a sub-chunk whose digest did not match and for
// gaps its gap detection finds.
func (s *Sender) HandleRetryRequest(flatIndices []int) {
	for _, flat := range flatIndices {
		s.requeue(flat, "retry-request")
	}
}

func (s *Sender) requeue(flatIndex int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[flatIndex] == stateSendAcked {
		return
	}
	s.retries[flatIndex]++
	if s.retries[flatIndex] > s.cfg.MaxRetries {
		s.states[flatIndex] = stateSendFailed
		s.stats.failed.Add(1)
		s.fatal = &FatalTransferError{Reason: fmt.Sprintf(
			"sub-chunk %d exceeded max retries (%d) after %s", flatIndex, s.cfg.MaxRetries, reason)}
		s.cond.Broadcast()
		return
	}

	s.states[flatIndex] = stateSendPending
	if !s.queuedSet[flatIndex] {
		s.queuedSet[flatIndex] = true
		s.retryQueue = append(s.retryQueue, flatIndex)
	}
	s.cond.Broadcast()
}

// Close releases the sender's flow-control resources, unblocking any
// goroutine waiting in Reserve so Run can return promptly on shutdown.
func (s *Sender) Close() {
	s.gauge.Close()
	s.mu.Lock()
	s.fatal = ErrChannelClosed
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Reattach points the sender at a freshly established channel after an
// Interrupted transition and reopens flow control, letting a second
// call to Run resume sending from wherever ackedCount left off
// (SPEC_FULL.md supplemented feature #1, "resume across reconnect").
// In-flight sub-chunks the old transport never acked are requeued by
// Run itself on restart; the admission semaphore is rebuilt from
// scratch since those abandoned reservations will never be released by
// an ack that can no longer arrive.
func (s *Sender) Reattach(out *FrameWriter) {
	s.mu.Lock()
	s.out = out
	s.sem = make(chan struct{}, s.cfg.MaxConcurrentSends)
	if s.fatal == ErrChannelClosed {
		s.fatal = nil
	}
	s.mu.Unlock()
	s.gauge.Reopen()
}
