// Package session owns the per-transfer state machine described in
// spec.md §4.6: it holds the Channel for one transfer, knows whether
// this side is sending or receiving, and dispatches inbound frames to
// whichever pipeline (transfer.Sender or transfer.Receiver) owns them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/protocol"
	"github.com/AkaakuHub/fast-transfre/internal/transfer"
)

// State is one of the five states in spec.md §4.6's diagram.
type State int

const (
	StateIdle State = iota
	StateReady
	StateTransferring
	StateDone
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Role identifies which side of the transfer this session represents.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// Channel is the bidirectional, ordered, frame-carrying transport the
// session was handed once rendezvous completed. It is consumed, never
// implemented, by this package — the concrete type is negotiated by
// internal/rendezvous and the caller's chosen transport.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// keepaliveInterval is how often this side pings the peer over the
// established Channel once a transfer is underway.
const keepaliveInterval = 15 * time.Second

// resumeGraceWindow bounds how long after an Interrupted transition a
// caller may still Resume this session under a freshly re-established
// Channel, matching spec.md §5's 10s reconnecting-channel timeout
// (SPEC_FULL.md supplemented feature #1, "resume across reconnect").
const resumeGraceWindow = 10 * time.Second

// Session owns one file-transfer's lifecycle on one side of the wire:
// the single task that reads frames and dispatches them, serially, to
// the active pipeline, per the cooperative-single-task model of
// spec.md §5.
type Session struct {
	id     string
	role   Role
	ch     Channel
	out    *transfer.FrameWriter
	logger *slog.Logger

	sender   *transfer.Sender
	receiver *transfer.Receiver

	mu    sync.Mutex
	state State
	rtt   rttTracker

	errOnce     sync.Once
	reportedErr error

	interruptedAt time.Time
	resumable     bool
}

// NewFrameWriter builds the single FrameWriter a caller must construct
// before wiring up a Sender and/or Receiver and a Session over the same
// channel: all three share this one instance, so a keepalive ping can
// never interleave mid-frame with a chunk-metadata/data-frame pair.
func NewFrameWriter(ch Channel) *transfer.FrameWriter {
	return transfer.NewFrameWriter(ch)
}

// NewSenderSession builds a session that drives sender over ch. out must
// be the same FrameWriter passed to transfer.NewSender when sender was
// constructed.
func NewSenderSession(id string, ch Channel, out *transfer.FrameWriter, sender *transfer.Sender, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:     id,
		role:   RoleSender,
		ch:     ch,
		out:    out,
		sender: sender,
		logger: logger.With("session_id", id, "role", "sender"),
		state:  StateIdle,
	}
}

// NewReceiverSession builds a session that drives receiver over ch. out
// must be the same FrameWriter passed to transfer.NewReceiver when
// receiver was constructed.
func NewReceiverSession(id string, ch Channel, out *transfer.FrameWriter, receiver *transfer.Receiver, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:       id,
		role:     RoleReceiver,
		ch:       ch,
		out:      out,
		receiver: receiver,
		logger:   logger.With("session_id", id, "role", "receiver"),
		state:    StateIdle,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RTT returns the current smoothed keepalive round-trip estimate.
func (s *Session) RTT() time.Duration { return s.rtt.RTT() }

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info("session state transition", "from", prev, "to", st)
	}
}

// Run drives the session to completion: it starts the frame-reading
// loop and the keepalive loop, then runs the active pipeline, returning
// once the transfer reaches Done or Interrupted.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateReady)

	readErrCh := make(chan error, 1)
	go s.readLoop(ctx, readErrCh)
	go s.keepaliveLoop(ctx)

	s.setState(StateTransferring)

	var pipelineErr error
	switch s.role {
	case RoleSender:
		pipelineErr = s.sender.Run(ctx)
	case RoleReceiver:
		select {
		case <-s.receiver.Done():
		case err := <-readErrCh:
			pipelineErr = err
		case <-ctx.Done():
			pipelineErr = ctx.Err()
		}
	}

	cancel()
	_ = s.ch.Close()
	if s.sender != nil {
		s.sender.Close()
	}

	if pipelineErr != nil {
		s.fail(pipelineErr)
		return pipelineErr
	}

	select {
	case err := <-readErrCh:
		if err != nil && !errors.Is(err, io.EOF) {
			s.fail(err)
			return err
		}
	default:
	}

	s.setState(StateDone)
	return nil
}

// fail transitions to Interrupted and reports the error exactly once,
// per spec.md §7's "surfaced once, then the session is unusable" policy.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.reportedErr = err
		s.logger.Error("session failed", "error", err)
	})
	s.mu.Lock()
	s.interruptedAt = time.Now()
	s.resumable = isResumable(err)
	s.mu.Unlock()
	s.setState(StateInterrupted)
}

// Err returns the error that caused the session to transition to
// Interrupted, if any.
func (s *Session) Err() error { return s.reportedErr }

// isResumable reports whether err reflects a transport drop (the
// channel closing mid-write, a read failing on the underlying Channel)
// rather than a content or local-I/O failure — a sub-chunk exhausting
// its retry budget, a corrupt source file, a full disk on the sink —
// none of which a reconnect would fix.
func isResumable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var fe *transfer.FatalTransferError
	if errors.As(err, &fe) {
		switch fe.Reason {
		case "sending sub-chunk", "backpressure wait interrupted", "admission wait interrupted":
			// Ctx-cancellation was already ruled out above, so what's left
			// for these three reasons is the channel having been closed
			// out from under the pipeline.
			return true
		default:
			return false
		}
	}

	// Anything else reaching here is a bare error from the session's own
	// read loop: protocol.ReadFrame failing on the Channel itself.
	return true
}

// CanResume reports whether this session may still be resumed: it must
// be Interrupted by a resumable (transport) failure and within
// resumeGraceWindow of that transition.
func (s *Session) CanResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInterrupted || !s.resumable {
		return false
	}
	return time.Since(s.interruptedAt) <= resumeGraceWindow
}

// Resume re-establishes this session over a newly dialed/accepted ch —
// the same room code's peer reconnecting within resumeGraceWindow — and
// re-runs Run to completion. The sender's already-acked sub-chunks and
// the receiver's already-verified sub-chunks are untouched; only
// in-flight or pending work resumes (SPEC_FULL.md supplemented feature
// #1, "resume across reconnect"). It returns an error without resuming
// if CanResume is false.
//
// out may be nil, in which case a plain FrameWriter wrapping ch is
// built; pass a non-nil out when the caller needs to preserve
// decoration such as throttling that wrapped the original channel.
func (s *Session) Resume(ctx context.Context, ch Channel, out *transfer.FrameWriter) error {
	if !s.CanResume() {
		return fmt.Errorf("session: %s is not resumable", s.id)
	}
	if out == nil {
		out = transfer.NewFrameWriter(ch)
	}

	s.ch = ch
	s.out = out
	if s.sender != nil {
		s.sender.Reattach(out)
	}
	if s.receiver != nil {
		s.receiver.Reattach(out)
	}
	s.errOnce = sync.Once{}
	s.reportedErr = nil
	s.logger.Info("resuming session over reattached channel")

	return s.Run(ctx)
}

func (s *Session) readLoop(ctx context.Context, errCh chan<- error) {
	consecutiveFramingErrors := 0
	for {
		if ctx.Err() != nil {
			errCh <- ctx.Err()
			return
		}

		frame, err := protocol.ReadFrame(s.ch)
		if err != nil {
			var fe *protocol.FramingError
			if errors.As(err, &fe) {
				consecutiveFramingErrors++
				s.logger.Warn("dropping malformed frame", "error", err, "consecutive", consecutiveFramingErrors)
				if consecutiveFramingErrors >= 3 {
					errCh <- &transfer.FatalTransferError{Reason: "three consecutive framing errors", Err: err}
					return
				}
				continue
			}
			errCh <- err
			return
		}
		consecutiveFramingErrors = 0

		if frame.Control != nil {
			s.dispatchControl(frame.Control)
			continue
		}
		if s.receiver != nil && frame.Data != nil {
			if err := s.receiver.HandleData(frame.Data, frame.DataPayload); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (s *Session) dispatchControl(rec *protocol.ControlRecord) {
	switch rec.Type {
	case protocol.ControlChunkAck:
		if s.sender != nil && rec.ChunkAck != nil {
			s.sender.HandleAck(rec.ChunkAck.FlatIndices)
		}
	case protocol.ControlChunkNack:
		if s.sender != nil && rec.ChunkNack != nil {
			s.sender.HandleNack(rec.ChunkNack.FlatIndex, rec.ChunkNack.Reason)
		}
	case protocol.ControlRetryRequest:
		if s.sender != nil && rec.RetryRequest != nil {
			s.sender.HandleRetryRequest(rec.RetryRequest.FlatIndices)
		}
	case protocol.ControlFileStart, protocol.ControlChunkMetadata, protocol.ControlTransferComplete:
		if s.receiver != nil {
			if err := s.receiver.HandleControl(rec); err != nil {
				s.logger.Error("receiver control handling failed", "error", err)
			}
		}
	case protocol.ControlPing:
		_ = s.out.WriteControl(&protocol.ControlRecord{
			Type: protocol.ControlPong,
			Pong: &protocol.PongPayload{EchoUnixNano: rec.Ping.SentUnixNano},
		})
	case protocol.ControlPong:
		if rec.Pong != nil {
			sample := time.Since(time.Unix(0, rec.Pong.EchoUnixNano))
			if sample > 0 {
				s.rtt.update(sample)
			}
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.out.WriteControl(&protocol.ControlRecord{
				Type: protocol.ControlPing,
				Ping: &protocol.PingPayload{SentUnixNano: time.Now().UnixNano()},
			}); err != nil {
				s.logger.Warn("keepalive ping failed", "error", err)
				return
			}
		}
	}
}
