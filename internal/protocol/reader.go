package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxControlFrameBytes bounds the JSON body size a Reader will allocate
// for a single control frame, guarding against a malformed or hostile
// peer declaring an unbounded length.
const MaxControlFrameBytes = 1 << 20 // 1MiB is generous for any control record

// MaxDataFramePayload bounds the payload size a Reader will allocate for
// a single data frame. Sub-chunks are capped by the chunk plan's SubSize,
// so anything larger indicates a corrupt stream.
const MaxDataFramePayload = 8 << 20 // 8MiB, a margin above any configured SubSize

// Frame is the decoded result of ReadFrame: exactly one of Control or
// Data (with DataPayload) is populated.
type Frame struct {
	Control     *ControlRecord
	Data        *DataHeader
	DataPayload []byte
}

// ReadFrame reads and decodes the next frame from r, dispatching on the
// leading tag byte rather than attempting a speculative JSON decode.
func ReadFrame(r io.Reader) (*Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("reading frame tag: %w", err)
	}

	switch FrameTag(tag[0]) {
	case TagControl:
		rec, err := readControlBody(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Control: rec}, nil
	case TagControlCompressed:
		rec, err := readCompressedControlBody(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Control: rec}, nil
	case TagData:
		hdr, payload, err := readDataBody(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Data: hdr, DataPayload: payload}, nil
	default:
		return nil, &FramingError{Frame: "tag", Err: ErrInvalidTag}
	}
}

func readControlBody(r io.Reader) (*ControlRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("reading length: %w", err)}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxControlFrameBytes {
		return nil, &FramingError{Frame: "control", Err: ErrFrameTooLarge}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("%w: %v", ErrTruncatedFrame, err)}
	}

	var rec ControlRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("decoding json: %w", err)}
	}
	if rec.Version != ProtocolVersion {
		return nil, &FramingError{Frame: "control", Err: ErrUnsupportedVersion}
	}
	return &rec, nil
}

func readCompressedControlBody(r io.Reader) (*ControlRecord, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("reading length: %w", err)}
	}
	originalLen := binary.BigEndian.Uint32(lenBuf[0:4])
	compressedLen := binary.BigEndian.Uint32(lenBuf[4:8])
	if originalLen > MaxControlFrameBytes || compressedLen > MaxControlFrameBytes {
		return nil, &FramingError{Frame: "control", Err: ErrFrameTooLarge}
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("%w: %v", ErrTruncatedFrame, err)}
	}

	body, err := decompressBody(compressed, int(originalLen))
	if err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("decompressing body: %w", err)}
	}

	var rec ControlRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &FramingError{Frame: "control", Err: fmt.Errorf("decoding json: %w", err)}
	}
	if rec.Version != ProtocolVersion {
		return nil, &FramingError{Frame: "control", Err: ErrUnsupportedVersion}
	}
	return &rec, nil
}

func readDataBody(r io.Reader) (*DataHeader, []byte, error) {
	var hdrBuf [DataHeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, nil, &FramingError{Frame: "data", Err: fmt.Errorf("reading header: %w", err)}
	}

	hdr := &DataHeader{
		FlatIndex:     binary.LittleEndian.Uint32(hdrBuf[0:4]),
		PayloadLength: binary.LittleEndian.Uint32(hdrBuf[4:8]),
	}
	if hdr.PayloadLength > MaxDataFramePayload {
		return nil, nil, &FramingError{Frame: "data", Err: ErrFrameTooLarge}
	}

	payload := make([]byte, hdr.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, &FramingError{Frame: "data", Err: fmt.Errorf("%w: %v", ErrTruncatedFrame, err)}
	}
	return hdr, payload, nil
}
