package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the control-record JSON body size above which
// WriteControl transparently zstd-compresses the body before writing it.
// Chunk data frames are never compressed (spec.md's Non-goals exclude
// payload compression); this only shrinks protocol metadata, which grows
// large for chunk-nack/retry-request bursts listing many flat indices.
const CompressionThreshold = 4096

var (
	zstdEncoder     *zstd.Encoder
	zstdEncoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderOnce sync.Once
)

// encoder/decoder returns the package-level zstd codec, built lazily so
// a process that never exceeds CompressionThreshold never pays for it.
// Both EncodeAll and DecodeAll are documented safe for concurrent use.
func encoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic("protocol: building zstd encoder: " + err.Error())
		}
		zstdEncoder = enc
	})
	return zstdEncoder
}

func decoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic("protocol: building zstd decoder: " + err.Error())
		}
		zstdDecoder = dec
	})
	return zstdDecoder
}

func compressBody(body []byte) []byte {
	return encoder().EncodeAll(body, make([]byte, 0, len(body)))
}

func decompressBody(compressed []byte, originalLen int) ([]byte, error) {
	return decoder().DecodeAll(compressed, make([]byte, 0, originalLen))
}
