package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/AkaakuHub/fast-transfre/internal/chunkplan"
	"github.com/AkaakuHub/fast-transfre/internal/integrity"
	"github.com/AkaakuHub/fast-transfre/internal/protocol"
)

func newTestReceiver(t *testing.T) (*Receiver, *BufferSink, io.Reader, io.WriteCloser) {
	t.Helper()
	pr, pw := io.Pipe()
	out := NewFrameWriter(pw)
	sink := NewBufferSink()
	cfg := DefaultReceiverConfig()
	recv := NewReceiver(cfg, sink, out, nil)
	return recv, sink, pr, pw
}

func fileStartRecord(plan *chunkplan.Plan, name string) *protocol.ControlRecord {
	return &protocol.ControlRecord{
		Version: protocol.ProtocolVersion,
		Type:    protocol.ControlFileStart,
		FileStart: &protocol.FileStartPayload{
			Name:        name,
			Size:        plan.FileSize,
			MainSize:    plan.MainSize,
			SubSize:     plan.SubSize,
			TotalChunks: plan.TotalChunks,
		},
	}
}

func TestReceiver_VerifiesAndAcksSubChunk(t *testing.T) {
	data := []byte("hello, world! this is a payload.")
	plan, err := chunkplan.New(int64(len(data)), 4096, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	recv, sink, pr, pw := newTestReceiver(t)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	if err := recv.HandleControl(fileStartRecord(plan, "greeting.txt")); err != nil {
		t.Fatalf("file-start: %v", err)
	}

	sub := plan.Flatten()[0]
	digest := integrity.Digest(data)

	if err := recv.HandleControl(&protocol.ControlRecord{
		Version: protocol.ProtocolVersion,
		Type:    protocol.ControlChunkMetadata,
		ChunkMetadata: &protocol.ChunkMetadataPayload{
			FlatIndex: sub.FlatIndex,
			Length:    len(data),
			Digest:    digest,
		},
	}); err != nil {
		t.Fatalf("chunk-metadata: %v", err)
	}

	hdr := &protocol.DataHeader{FlatIndex: uint32(sub.FlatIndex), PayloadLength: uint32(len(data))}
	if err := recv.HandleData(hdr, data); err != nil {
		t.Fatalf("handle data: %v", err)
	}

	ack := <-frames
	if ack.Control == nil || ack.Control.Type != protocol.ControlChunkAck {
		t.Fatalf("want chunk-ack, got %+v", ack)
	}

	complete := <-frames
	if complete.Control == nil || complete.Control.Type != protocol.ControlTransferComplete {
		t.Fatalf("want transfer-complete, got %+v", complete)
	}

	select {
	case <-recv.Done():
	default:
		t.Fatal("receiver should be done")
	}

	if string(sink.Bytes()) != string(data) {
		t.Fatalf("assembled mismatch: want %q, got %q", data, sink.Bytes())
	}
}

func TestReceiver_DigestMismatchEmitsRetryRequest(t *testing.T) {
	data := []byte("corrupt me please")
	plan, err := chunkplan.New(int64(len(data)), 4096, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	recv, _, pr, pw := newTestReceiver(t)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	if err := recv.HandleControl(fileStartRecord(plan, "f.bin")); err != nil {
		t.Fatalf("file-start: %v", err)
	}

	sub := plan.Flatten()[0]
	wrongDigest := integrity.Digest([]byte("totally different bytes"))

	if err := recv.HandleControl(&protocol.ControlRecord{
		Version: protocol.ProtocolVersion,
		Type:    protocol.ControlChunkMetadata,
		ChunkMetadata: &protocol.ChunkMetadataPayload{
			FlatIndex: sub.FlatIndex,
			Length:    len(data),
			Digest:    wrongDigest,
		},
	}); err != nil {
		t.Fatalf("chunk-metadata: %v", err)
	}

	hdr := &protocol.DataHeader{FlatIndex: uint32(sub.FlatIndex), PayloadLength: uint32(len(data))}
	if err := recv.HandleData(hdr, data); err != nil {
		t.Fatalf("handle data: %v", err)
	}

	retry := <-frames
	if retry.Control == nil || retry.Control.Type != protocol.ControlRetryRequest {
		t.Fatalf("want retry-request, got %+v", retry)
	}
	if got := retry.Control.RetryRequest.FlatIndices; len(got) != 1 || got[0] != sub.FlatIndex {
		t.Fatalf("want retry for flat index %d, got %v", sub.FlatIndex, got)
	}
}

func TestReceiver_DataArrivesBeforeMetadata(t *testing.T) {
	data := []byte("out of order delivery")
	plan, err := chunkplan.New(int64(len(data)), 4096, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}

	recv, sink, pr, pw := newTestReceiver(t)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := make(chan *protocol.Frame, 16)
	go drainFrames(ctx, pr, frames)

	if err := recv.HandleControl(fileStartRecord(plan, "f.bin")); err != nil {
		t.Fatalf("file-start: %v", err)
	}

	sub := plan.Flatten()[0]
	hdr := &protocol.DataHeader{FlatIndex: uint32(sub.FlatIndex), PayloadLength: uint32(len(data))}
	if err := recv.HandleData(hdr, data); err != nil {
		t.Fatalf("handle data before metadata: %v", err)
	}

	digest := integrity.Digest(data)
	if err := recv.HandleControl(&protocol.ControlRecord{
		Version: protocol.ProtocolVersion,
		Type:    protocol.ControlChunkMetadata,
		ChunkMetadata: &protocol.ChunkMetadataPayload{
			FlatIndex: sub.FlatIndex,
			Length:    len(data),
			Digest:    digest,
		},
	}); err != nil {
		t.Fatalf("chunk-metadata after data: %v", err)
	}

	ack := <-frames
	if ack.Control == nil || ack.Control.Type != protocol.ControlChunkAck {
		t.Fatalf("want chunk-ack, got %+v", ack)
	}
	<-frames // transfer-complete

	if string(sink.Bytes()) != string(data) {
		t.Fatalf("assembled mismatch: want %q, got %q", data, sink.Bytes())
	}
}

func TestReceiver_EmptyFileCompletesOnFileStart(t *testing.T) {
	// chunkplan.New yields no sub-chunks for an empty file, so the
	// receiver completes as soon as file-start arrives: no metadata,
	// data or ack round trip precedes its transfer-complete.
	plan, err := chunkplan.New(0, 4096, 1024)
	if err != nil {
		t.Fatalf("building plan: %v", err)
	}
	if plan.TotalChunks != 0 {
		t.Fatalf("want zero sub-chunks for an empty file, got %d", plan.TotalChunks)
	}

	recv, sink, pr, pw := newTestReceiver(t)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := make(chan *protocol.Frame, 4)
	go drainFrames(ctx, pr, frames)

	if err := recv.HandleControl(fileStartRecord(plan, "empty.bin")); err != nil {
		t.Fatalf("file-start: %v", err)
	}

	complete := <-frames
	if complete.Control == nil || complete.Control.Type != protocol.ControlTransferComplete {
		t.Fatalf("want transfer-complete right after file-start, got %+v", complete)
	}
	if complete.Control.TransferComplete == nil || complete.Control.TransferComplete.WholeFileDigest != integrity.Digest(nil) {
		t.Fatalf("want the empty input's digest in transfer-complete, got %+v", complete.Control.TransferComplete)
	}

	select {
	case <-recv.Done():
	case <-time.After(time.Second):
		t.Fatal("receiver should complete on file-start for an empty file")
	}
	if len(sink.Bytes()) != 0 {
		t.Fatalf("want empty assembled output, got %d bytes", len(sink.Bytes()))
	}
}

func TestReceiver_PlanMismatchRejected(t *testing.T) {
	recv, _, _, pw := newTestReceiver(t)
	defer pw.Close()

	rec := &protocol.ControlRecord{
		Version: protocol.ProtocolVersion,
		Type:    protocol.ControlFileStart,
		FileStart: &protocol.FileStartPayload{
			Name:        "f.bin",
			Size:        2048,
			MainSize:    4096,
			SubSize:     1024,
			TotalChunks: 99, // wrong on purpose
		},
	}
	err := recv.HandleControl(rec)
	if err == nil {
		t.Fatal("want plan mismatch error, got nil")
	}
	var mismatch *PlanMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("want *PlanMismatchError, got %T: %v", err, err)
	}
}
