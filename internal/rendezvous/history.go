package rendezvous

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// HistoryEntry records the outcome of one completed or aborted room
// pairing, appended as one JSONL line for operational visibility
// (SPEC_FULL.md supplemented feature #2).
type HistoryEntry struct {
	SessionID     string    `json:"session_id"`
	RoomCode      string    `json:"room_code"`
	HostID        string    `json:"host_id"`
	GuestID       string    `json:"guest_id,omitempty"`
	Outcome       string    `json:"outcome"` // Server writes "host_disconnected", the only way a room closes
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
	RelayedFrames int       `json:"relayed_frames"`
}

// HistorySink is an append-only JSONL writer for HistoryEntry records,
// a minimal adaptation of the teacher's SessionHistoryStore: this
// rendezvous service has no dashboard to serve recent entries back to,
// so it drops the ring buffer and rotation and keeps only the
// durable-append half.
type HistorySink struct {
	mu   sync.Mutex
	file *os.File
}

// NewHistorySink opens (creating if necessary) path for append.
func NewHistorySink(path string) (*HistorySink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: opening history sink %s: %w", path, err)
	}
	return &HistorySink{file: f}, nil
}

// Append writes one JSONL record. A marshal or write failure is logged
// by the caller, not treated as fatal — history is best-effort.
func (h *HistorySink) Append(e HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rendezvous: marshaling history entry: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.file.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file.
func (h *HistorySink) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}
