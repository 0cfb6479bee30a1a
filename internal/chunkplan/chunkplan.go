// Package chunkplan derives the hierarchical chunk layout for a file: a
// sequence of main chunks, each split into sub-chunks, every sub-chunk
// assigned a globally unique flat index. The plan is a pure function of
// file size and the two configured size ceilings, so sender and receiver
// always agree on it without exchanging anything beyond size and the
// ceilings themselves (carried in protocol.FileStartPayload).
package chunkplan

import "fmt"

// DefaultMainSize and DefaultSubSize match the configurable parameter
// table: a main chunk caps at 50MiB, a sub-chunk at 1MiB.
const (
	DefaultMainSize int64 = 50 << 20
	DefaultSubSize  int64 = 1 << 20
)

// SubChunk describes one leaf unit of the plan: its byte range within
// the file and its globally unique flat index.
type SubChunk struct {
	FlatIndex int
	MainIndex int
	Offset    int64
	Length    int64
}

// MainChunk groups the sub-chunks that make up one main-chunk-sized
// region of the file.
type MainChunk struct {
	Index     int
	Offset    int64
	Length    int64
	SubChunks []SubChunk
}

// Plan is the complete chunk layout for a file of a given size.
type Plan struct {
	FileSize    int64
	MainSize    int64
	SubSize     int64
	MainChunks  []MainChunk
	TotalChunks int // total sub-chunk count, i.e. len of the flat index space
}

// New derives a Plan for a file of size fileSize using the given main
// and sub chunk size ceilings. Both ceilings must be positive and
// mainSize must be a multiple of subSize or greater than it; subSize
// larger than mainSize would produce sub-chunks that cross main-chunk
// boundaries, which the receiver's per-main-chunk staging cannot
// represent.
func New(fileSize, mainSize, subSize int64) (*Plan, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("chunkplan: negative file size %d", fileSize)
	}
	if mainSize <= 0 || subSize <= 0 {
		return nil, fmt.Errorf("chunkplan: main size and sub size must be positive")
	}
	if subSize > mainSize {
		return nil, fmt.Errorf("chunkplan: sub size %d exceeds main size %d", subSize, mainSize)
	}

	plan := &Plan{FileSize: fileSize, MainSize: mainSize, SubSize: subSize}

	if fileSize == 0 {
		// ceil(0/MAIN_SIZE) == 0: an empty file has no main chunks and no
		// sub-chunks at all (spec.md §3, §8 scenario 1 — file-start
		// announces sub-count=0 and transfer-complete follows immediately,
		// with no chunk-metadata/data/ack round trip).
		return plan, nil
	}

	flat := 0
	for mainOffset, mainIdx := int64(0), 0; mainOffset < fileSize; mainIdx++ {
		mainLen := mainSize
		if remaining := fileSize - mainOffset; remaining < mainLen {
			mainLen = remaining
		}

		main := MainChunk{Index: mainIdx, Offset: mainOffset, Length: mainLen}
		for subOffset := int64(0); subOffset < mainLen; {
			subLen := subSize
			if remaining := mainLen - subOffset; remaining < subLen {
				subLen = remaining
			}
			main.SubChunks = append(main.SubChunks, SubChunk{
				FlatIndex: flat,
				MainIndex: mainIdx,
				Offset:    mainOffset + subOffset,
				Length:    subLen,
			})
			flat++
			subOffset += subLen
		}

		plan.MainChunks = append(plan.MainChunks, main)
		mainOffset += mainLen
	}
	plan.TotalChunks = flat

	return plan, nil
}

// SubChunkAt returns the SubChunk for a flat index, or false if it is
// out of range for the plan.
func (p *Plan) SubChunkAt(flatIndex int) (SubChunk, bool) {
	if flatIndex < 0 || flatIndex >= p.TotalChunks {
		return SubChunk{}, false
	}
	// Flat indices are assigned in increasing order across main chunks,
	// so a linear scan over main chunks (bounded by FileSize/MainSize,
	// never large for real files) finds the owner without a secondary index.
	for _, main := range p.MainChunks {
		if len(main.SubChunks) == 0 {
			continue
		}
		first := main.SubChunks[0].FlatIndex
		last := main.SubChunks[len(main.SubChunks)-1].FlatIndex
		if flatIndex >= first && flatIndex <= last {
			return main.SubChunks[flatIndex-first], true
		}
	}
	return SubChunk{}, false
}

// Flatten returns every sub-chunk across every main chunk in flat index
// order, convenient for sender emission and receiver validation.
func (p *Plan) Flatten() []SubChunk {
	out := make([]SubChunk, 0, p.TotalChunks)
	for _, main := range p.MainChunks {
		out = append(out, main.SubChunks...)
	}
	return out
}
