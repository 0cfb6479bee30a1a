package session

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/transfer"
)

func runTransfer(t *testing.T, data []byte, mainSize, subSize int64) []byte {
	t.Helper()

	senderConn, receiverConn := net.Pipe()
	defer senderConn.Close()
	defer receiverConn.Close()

	plan, err := chunkplan.New(int64(len(data)), mainSize, subSize)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	senderOut := NewFrameWriter(senderConn)
	receiverOut := NewFrameWriter(receiverConn)

	source := transfer.NewBufferSource("payload.bin", data)
	sink := transfer.NewBufferSink()

	senderCfg := transfer.DefaultSenderConfig()
	senderCfg.MainSize = mainSize
	senderCfg.SubSize = subSize
	senderCfg.HighWaterMark = 1 << 20

	sender := transfer.NewSender(senderCfg, plan, source, senderOut, nil)
	receiver := transfer.NewReceiver(transfer.DefaultReceiverConfig(), sink, receiverOut, nil)

	senderSession := NewSenderSession("snd", senderConn, senderOut, sender, nil)
	receiverSession := NewReceiverSession("rcv", receiverConn, receiverOut, receiver, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- senderSession.Run(ctx) }()
	go func() { errCh <- receiverSession.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("session run failed: %v", err)
		}
	}

	if receiverSession.State() != StateDone {
		t.Fatalf("receiver session state: want %v, got %v", StateDone, receiverSession.State())
	}
	return sink.Bytes()
}

func TestSession_EndToEndSmallFile(t *testing.T) {
	data := make([]byte, 5000)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating payload: %v", err)
	}

	got := runTransfer(t, data, 4096, 1024)
	if len(got) != len(data) {
		t.Fatalf("length mismatch: want %d, got %d", len(data), len(got))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte mismatch at offset %d", i)
		}
	}
}

func TestSession_EndToEndEmptyFile(t *testing.T) {
	got := runTransfer(t, nil, 4096, 1024)
	if len(got) != 0 {
		t.Fatalf("want empty output, got %d bytes", len(got))
	}
}

func TestSession_EndToEndExactSubChunkBoundary(t *testing.T) {
	data := make([]byte, 2048) // exactly two sub-chunks, one main chunk
	for i := range data {
		data[i] = byte(i)
	}
	got := runTransfer(t, data, 4096, 1024)
	if len(got) != len(data) {
		t.Fatalf("length mismatch: want %d, got %d", len(data), len(got))
	}
}

func TestSession_StateTransitions(t *testing.T) {
	senderConn, receiverConn := net.Pipe()
	defer senderConn.Close()
	defer receiverConn.Close()

	data := []byte("hello world")
	plan, err := chunkplan.New(int64(len(data)), 4096, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	out := NewFrameWriter(senderConn)
	receiverOut := NewFrameWriter(receiverConn)
	sender := transfer.NewSender(transfer.DefaultSenderConfig(), plan, transfer.NewBufferSource("f", data), out, nil)
	receiver := transfer.NewReceiver(transfer.DefaultReceiverConfig(), transfer.NewBufferSink(), receiverOut, nil)

	senderSession := NewSenderSession("snd", senderConn, out, sender, nil)
	receiverSession := NewReceiverSession("rcv", receiverConn, receiverOut, receiver, nil)

	if senderSession.State() != StateIdle {
		t.Fatalf("want initial state idle, got %v", senderSession.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- senderSession.Run(ctx) }()
	go func() { errCh <- receiverSession.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("session run failed: %v", err)
		}
	}

	if senderSession.State() != StateDone {
		t.Fatalf("sender: want done, got %v", senderSession.State())
	}
	if receiverSession.State() != StateDone {
		t.Fatalf("receiver: want done, got %v", receiverSession.State())
	}
}

// TestSession_ResumeAfterInterruption simulates a dropped transport
// partway through a transfer, then reattaches both sides to a freshly
// established channel and confirms the transfer completes and the
// receiver's output matches the source byte for byte (SPEC_FULL.md
// supplemented feature #1, "resume across reconnect").
func TestSession_ResumeAfterInterruption(t *testing.T) {
	data := make([]byte, 200*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating payload: %v", err)
	}

	senderConn, receiverConn := net.Pipe()

	plan, err := chunkplan.New(int64(len(data)), 8192, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	senderOut := NewFrameWriter(senderConn)
	receiverOut := NewFrameWriter(receiverConn)

	source := transfer.NewBufferSource("payload.bin", data)
	sink := transfer.NewBufferSink()

	senderCfg := transfer.DefaultSenderConfig()
	senderCfg.MainSize = 8192
	senderCfg.SubSize = 1024
	senderCfg.HighWaterMark = 4096
	senderCfg.MaxConcurrentSends = 1

	sender := transfer.NewSender(senderCfg, plan, source, senderOut, nil)
	receiver := transfer.NewReceiver(transfer.DefaultReceiverConfig(), sink, receiverOut, nil)

	senderSession := NewSenderSession("snd-resume", senderConn, senderOut, sender, nil)
	receiverSession := NewReceiverSession("rcv-resume", receiverConn, receiverOut, receiver, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- senderSession.Run(ctx) }()
	go func() { errCh <- receiverSession.Run(ctx) }()

	// Let a handful of sub-chunks cross the wire, then sever the
	// transport mid-transfer.
	time.Sleep(30 * time.Millisecond)
	senderConn.Close()
	receiverConn.Close()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err == nil {
			t.Fatalf("expected an error from the severed transport, got nil")
		}
	}

	if !senderSession.CanResume() {
		t.Fatalf("sender session: expected CanResume after a closed-pipe interruption")
	}
	if !receiverSession.CanResume() {
		t.Fatalf("receiver session: expected CanResume after a closed-pipe interruption")
	}

	newSenderConn, newReceiverConn := net.Pipe()

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer resumeCancel()

	resumeErrCh := make(chan error, 2)
	go func() { resumeErrCh <- senderSession.Resume(resumeCtx, newSenderConn, nil) }()
	go func() { resumeErrCh <- receiverSession.Resume(resumeCtx, newReceiverConn, nil) }()

	for i := 0; i < 2; i++ {
		if err := <-resumeErrCh; err != nil {
			t.Fatalf("resumed session run failed: %v", err)
		}
	}

	if receiverSession.State() != StateDone {
		t.Fatalf("receiver: want done after resume, got %v", receiverSession.State())
	}
	got := sink.Bytes()
	if len(got) != len(data) {
		t.Fatalf("length mismatch after resume: want %d, got %d", len(data), len(got))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte mismatch at offset %d after resume", i)
		}
	}
}
