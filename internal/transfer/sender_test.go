package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/protocol"
)

// drainFrames reads every frame off r until it closes or ctx is done,
// sending each to out. Used to observe what a Sender puts on the wire
// without a full Receiver on the other end.
func drainFrames(ctx context.Context, r io.Reader, out chan<- *protocol.Frame) {
	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			return
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func newTestSender(t *testing.T, data []byte, cfg SenderConfig) (*Sender, io.Reader, io.WriteCloser) {
	t.Helper()
	plan, err := chunkplan.New(int64(len(data)), cfg.MainSize, cfg.SubSize)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}
	pr, pw := io.Pipe()
	out := NewFrameWriter(pw)
	source := NewBufferSource("f.bin", data)
	sender := NewSender(cfg, plan, source, out, nil)
	return sender, pr, pw
}

func TestSender_EmitsFileStartThenSubChunks(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.MainSize = 4096
	cfg.SubSize = 1024
	data := make([]byte, 2048) // two sub-chunks
	for i := range data {
		data[i] = byte(i)
	}

	sender, pr, pw := newTestSender(t, data, cfg)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	runErr := make(chan error, 1)
	go func() { runErr <- sender.Run(ctx) }()

	first := <-frames
	if first.Control == nil || first.Control.Type != protocol.ControlFileStart {
		t.Fatalf("want file-start first, got %+v", first)
	}
	if first.Control.FileStart.TotalChunks != 2 {
		t.Fatalf("want 2 total chunks, got %d", first.Control.FileStart.TotalChunks)
	}

	var acked []int
	for len(acked) < 2 {
		meta := <-frames
		if meta.Control == nil || meta.Control.Type != protocol.ControlChunkMetadata {
			t.Fatalf("want chunk-metadata, got %+v", meta)
		}
		dataFrame := <-frames
		if dataFrame.Data == nil {
			t.Fatalf("want data frame after metadata")
		}
		if int(dataFrame.Data.FlatIndex) != meta.Control.ChunkMetadata.FlatIndex {
			t.Fatalf("data frame flat index mismatch: meta=%d data=%d",
				meta.Control.ChunkMetadata.FlatIndex, dataFrame.Data.FlatIndex)
		}
		sender.HandleAck([]int{meta.Control.ChunkMetadata.FlatIndex})
		acked = append(acked, meta.Control.ChunkMetadata.FlatIndex)
	}

	complete := <-frames
	if complete.Control == nil || complete.Control.Type != protocol.ControlTransferComplete {
		t.Fatalf("want transfer-complete, got %+v", complete)
	}

	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestSender_NackTriggersResend(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.MainSize = 4096
	cfg.SubSize = 1024
	cfg.MaxRetries = 3
	data := make([]byte, 1024)

	sender, pr, pw := newTestSender(t, data, cfg)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	runErr := make(chan error, 1)
	go func() { runErr <- sender.Run(ctx) }()

	<-frames // file-start
	firstMeta := <-frames
	<-frames // data

	sender.HandleNack(firstMeta.Control.ChunkMetadata.FlatIndex, "digest mismatch")

	secondMeta := <-frames
	if secondMeta.Control.ChunkMetadata.FlatIndex != firstMeta.Control.ChunkMetadata.FlatIndex {
		t.Fatalf("want resend of same flat index, got %d vs %d",
			secondMeta.Control.ChunkMetadata.FlatIndex, firstMeta.Control.ChunkMetadata.FlatIndex)
	}
	<-frames // resent data

	sender.HandleAck([]int{secondMeta.Control.ChunkMetadata.FlatIndex})
	<-frames // transfer-complete

	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestSender_ExceedingMaxRetriesIsFatal(t *testing.T) {
	cfg := DefaultSenderConfig()
	cfg.MainSize = 4096
	cfg.SubSize = 1024
	cfg.MaxRetries = 1
	data := make([]byte, 1024)

	sender, pr, pw := newTestSender(t, data, cfg)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	runErr := make(chan error, 1)
	go func() { runErr <- sender.Run(ctx) }()

	<-frames // file-start
	meta := <-frames
	<-frames // data
	flat := meta.Control.ChunkMetadata.FlatIndex

	sender.HandleNack(flat, "bad digest")
	<-frames // resent metadata
	<-frames // resent data
	sender.HandleNack(flat, "bad digest again")

	err := <-runErr
	if err == nil {
		t.Fatal("want fatal error after exceeding max retries, got nil")
	}
	var fatal *FatalTransferError
	if !errors.As(err, &fatal) {
		t.Fatalf("want *FatalTransferError, got %T: %v", err, err)
	}
}
