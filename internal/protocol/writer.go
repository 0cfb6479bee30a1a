package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// WriteControl writes a control frame: [Tag 1B] [Length uint32 BE 4B]
// [JSON body]. The length prefix covers only the JSON body. Bodies
// larger than CompressionThreshold are written instead as
// TagControlCompressed: [Tag 1B] [OriginalLength uint32 BE 4B]
// [CompressedLength uint32 BE 4B] [zstd-compressed JSON body].
func WriteControl(w io.Writer, rec *ControlRecord) error {
	if rec.Version == 0 {
		rec.Version = ProtocolVersion
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return &FramingError{Frame: "control", Err: fmt.Errorf("encoding json: %w", err)}
	}

	if len(body) <= CompressionThreshold {
		header := make([]byte, 5)
		header[0] = byte(TagControl)
		binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))

		if _, err := w.Write(header); err != nil {
			return &FramingError{Frame: "control", Err: fmt.Errorf("writing header: %w", err)}
		}
		if _, err := w.Write(body); err != nil {
			return &FramingError{Frame: "control", Err: fmt.Errorf("writing body: %w", err)}
		}
		return nil
	}

	compressed := compressBody(body)
	header := make([]byte, 9)
	header[0] = byte(TagControlCompressed)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(compressed)))

	if _, err := w.Write(header); err != nil {
		return &FramingError{Frame: "control", Err: fmt.Errorf("writing header: %w", err)}
	}
	if _, err := w.Write(compressed); err != nil {
		return &FramingError{Frame: "control", Err: fmt.Errorf("writing compressed body: %w", err)}
	}
	return nil
}

// WriteData writes a data frame: [Tag 1B] [FlatIndex uint32 LE 4B]
// [PayloadLength uint32 LE 4B] [payload]. The header fields are
// little-endian, matching the on-wire layout used by receivers to
// memory-map or seek staged sub-chunks by flat index without a byte swap.
func WriteData(w io.Writer, flatIndex uint32, payload []byte) error {
	header := make([]byte, 1+DataHeaderSize)
	header[0] = byte(TagData)
	binary.LittleEndian.PutUint32(header[1:5], flatIndex)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return &FramingError{Frame: "data", Err: fmt.Errorf("writing header: %w", err)}
	}
	if _, err := w.Write(payload); err != nil {
		return &FramingError{Frame: "data", Err: fmt.Errorf("writing payload: %w", err)}
	}
	return nil
}
