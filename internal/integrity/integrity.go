// Package integrity computes and verifies the SHA-256 digests used to
// validate sub-chunks on arrival and computes the whole-file digest on
// completion,
// mirroring the hasher composition the teacher uses for its trailer
// checksum and streaming tar digest.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Digest returns the lowercase hex SHA-256 digest of payload, the format
// carried in protocol.ChunkMetadataPayload.Digest and
// protocol.TransferCompletePayload.WholeFileDigest.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether payload's digest matches want, returning a
// descriptive error (not just false) so callers can log the reason.
func Verify(payload []byte, want string) error {
	got := Digest(payload)
	if got != want {
		return &MismatchError{Want: want, Got: got}
	}
	return nil
}

// MismatchError reports a digest that does not match what was expected,
// carrying both digests for diagnostics and NACK payloads.
type MismatchError struct {
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity: digest mismatch: want %s, got %s", e.Want, e.Got)
}

// Accumulator computes a running whole-file digest incrementally as
// sub-chunks are written in order, avoiding a second full read of the
// reassembled file just to verify it.
type Accumulator struct {
	h hash.Hash
}

// NewAccumulator returns an Accumulator ready to consume sub-chunk
// payloads in flat-index order.
func NewAccumulator() *Accumulator {
	return &Accumulator{h: sha256.New()}
}

// Write feeds the next in-order sub-chunk payload into the running digest.
func (a *Accumulator) Write(payload []byte) {
	_, _ = a.h.Write(payload) // hash.Hash.Write never returns an error
}

// Sum returns the lowercase hex digest of everything written so far.
func (a *Accumulator) Sum() string {
	return hex.EncodeToString(a.h.Sum(nil))
}
