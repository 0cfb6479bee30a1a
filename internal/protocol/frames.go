// Package protocol implements the wire framing used between a sender and
// a receiver over the transport negotiated via rendezvous. A frame is
// either a control frame (a JSON record describing session/chunk
// metadata) or a data frame (a binary sub-chunk payload). Frames are
// disambiguated by an explicit one-byte tag rather than by attempting to
// JSON-decode every frame and falling back to binary on failure.
package protocol

import "errors"

// FrameTag identifies the kind of frame that follows on the wire.
type FrameTag byte

const (
	// TagControl marks a frame whose body is a JSON-encoded control record.
	TagControl FrameTag = 0x01
	// TagData marks a frame whose body is a binary sub-chunk payload
	// preceded by a DataHeader.
	TagData FrameTag = 0x02
	// TagControlCompressed marks a control frame whose JSON body was
	// zstd-compressed because it exceeded CompressionThreshold (see
	// compress.go), typically a chunk-nack/retry-request listing many
	// flat indices.
	TagControlCompressed FrameTag = 0x03
)

// ProtocolVersion is the current wire version. A receiver rejects any
// control record whose Version field does not match.
const ProtocolVersion = 1

// DataHeaderSize is the size in bytes of the fixed header that precedes
// every data frame payload: FlatIndex (uint32 LE) + PayloadLength (uint32 LE).
const DataHeaderSize = 8

// DataHeader precedes the binary payload of a data frame.
type DataHeader struct {
	FlatIndex     uint32
	PayloadLength uint32
}

// ControlType discriminates the JSON control record kinds exchanged
// between sender and receiver once a transport is established.
type ControlType string

const (
	// ControlFileStart announces the file being sent and its chunk plan
	// parameters. Sent once by the sender at the start of a transfer.
	ControlFileStart ControlType = "file-start"
	// ControlChunkMetadata announces a sub-chunk's digest ahead of its
	// binary payload, letting the receiver verify on arrival.
	ControlChunkMetadata ControlType = "chunk-metadata"
	// ControlChunkAck acknowledges successful receipt and verification
	// of one or more sub-chunks.
	ControlChunkAck ControlType = "chunk-ack"
	// ControlChunkNack reports a verification failure for a sub-chunk,
	// requesting retransmission. The sender handles it; the Receiver in
	// internal/transfer reports digest mismatches with
	// ControlRetryRequest instead.
	ControlChunkNack ControlType = "chunk-nack"
	// ControlRetryRequest asks the sender to resend a specific set of
	// flat indices. The receiver emits it for a sub-chunk whose digest
	// did not match and for reassembly gaps found by gap detection.
	ControlRetryRequest ControlType = "retry-request"
	// ControlTransferComplete is sent by the sender only after every
	// sub-chunk has been acked, and by the receiver once it has
	// assembled the file.
	ControlTransferComplete ControlType = "transfer-complete"
	// ControlPing/ControlPong implement the keepalive/RTT probe carried
	// over the same control channel as the other record types.
	ControlPing ControlType = "ping"
	ControlPong ControlType = "pong"
)

// ControlRecord is the envelope for every control frame. Exactly one of
// the typed payload fields is populated, selected by Type.
type ControlRecord struct {
	Version int         `json:"version"`
	Type    ControlType `json:"type"`

	FileStart        *FileStartPayload        `json:"file_start,omitempty"`
	ChunkMetadata    *ChunkMetadataPayload    `json:"chunk_metadata,omitempty"`
	ChunkAck         *ChunkAckPayload         `json:"chunk_ack,omitempty"`
	ChunkNack        *ChunkNackPayload        `json:"chunk_nack,omitempty"`
	RetryRequest     *RetryRequestPayload     `json:"retry_request,omitempty"`
	TransferComplete *TransferCompletePayload `json:"transfer_complete,omitempty"`
	Ping             *PingPayload             `json:"ping,omitempty"`
	Pong             *PongPayload             `json:"pong,omitempty"`
}

// FileStartPayload describes the file and the chunk plan parameters the
// sender used to derive it, so the receiver can rebuild the identical
// plan and validate every flat index it is sent against it.
type FileStartPayload struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MainSize    int64  `json:"main_size"`
	SubSize     int64  `json:"sub_size"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkMetadataPayload precedes the data frame for FlatIndex, carrying
// its expected digest and length so the receiver can verify on arrival.
type ChunkMetadataPayload struct {
	FlatIndex int    `json:"flat_index"`
	Length    int    `json:"length"`
	Digest    string `json:"digest"` // lowercase hex SHA-256
}

// ChunkAckPayload acknowledges one or more sub-chunks by flat index.
type ChunkAckPayload struct {
	FlatIndices []int `json:"flat_indices"`
}

// ChunkNackPayload reports a digest mismatch for a sub-chunk.
type ChunkNackPayload struct {
	FlatIndex int    `json:"flat_index"`
	Reason    string `json:"reason"`
}

// RetryRequestPayload asks for retransmission of specific flat indices,
// typically the tail of a detected reassembly gap.
type RetryRequestPayload struct {
	FlatIndices []int `json:"flat_indices"`
}

// TransferCompletePayload carries a whole-file digest and size. The
// receiver fills in both after assembly; the sender's record carries
// only Size. Neither side compares the other's values with its own.
type TransferCompletePayload struct {
	WholeFileDigest string `json:"whole_file_digest"`
	Size            int64  `json:"size"`
}

// PingPayload/PongPayload carry a timestamp for RTT measurement, mirroring
// the control-channel keepalive used between peer and rendezvous server.
type PingPayload struct {
	SentUnixNano int64 `json:"sent_unix_nano"`
}

type PongPayload struct {
	EchoUnixNano int64 `json:"echo_unix_nano"`
}

// Sentinel errors classifying malformed or inconsistent wire input.
var (
	// ErrInvalidTag is returned when a frame's leading tag byte is
	// none of TagControl, TagData and TagControlCompressed.
	ErrInvalidTag = errors.New("protocol: invalid frame tag")
	// ErrUnsupportedVersion is returned when a control record's Version
	// does not match ProtocolVersion.
	ErrUnsupportedVersion = errors.New("protocol: unsupported control version")
	// ErrTruncatedFrame is returned when fewer bytes were available than
	// the frame's declared length required.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	// ErrFrameTooLarge is returned when a frame declares a length beyond
	// the reader's configured limit, guarding against a hostile or
	// corrupt peer forcing unbounded allocation.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// FramingError wraps a lower-level error encountered while decoding a
// frame, identifying which frame kind was being read when it failed.
type FramingError struct {
	Frame string
	Err   error
}

func (e *FramingError) Error() string {
	return "protocol: framing error in " + e.Frame + ": " + e.Err.Error()
}

func (e *FramingError) Unwrap() error { return e.Err }
