package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// roomCodeMin/roomCodeMax bound the 4-digit numeric room code space
// (spec.md §4.7, ROOM_CODE_LENGTH default 4 digits).
const (
	roomCodeMin = 1000
	roomCodeMax = 9999

	// roomCodeGenerationAttempts bounds the regenerate-on-collision loop
	// so a pathologically full room-code space cannot hang a request.
	roomCodeGenerationAttempts = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes onto one websocket connection the way
// internal/transfer.FrameWriter serializes writes onto the bulk
// channel: gorilla/websocket permits only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{conn: c} }

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) close() error { return w.conn.Close() }

// peer is one endpoint of a room: either the host or the guest.
type peer struct {
	id   string
	conn *wsConn
}

// room is a single pairing in progress: a host that created it and, once
// joined, the one guest it relays messages to. No persistence beyond the
// room's lifetime — it evaporates when the host disconnects (spec.md
// §4.7).
type room struct {
	mu        sync.Mutex
	code      string
	sessionID string
	host      *peer
	guest     *peer
	openedAt  time.Time
	relayed   int
}

// Server is the rendezvous service described in spec.md §4.7: it accepts
// long-lived WebSocket connections, pairs a host and a guest by a short
// room code, and thereafter relays offer/answer/ice-candidate records
// between them opaquely.
type Server struct {
	logger  *slog.Logger
	history *HistorySink

	rooms sync.Map // room code (string) -> *room
}

// NewServer builds a Server. history may be nil, in which case session
// outcomes are not recorded.
func NewServer(logger *slog.Logger, history *HistorySink) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, history: history}
}

// ServeHTTP upgrades the request to a WebSocket and handles the
// connection for its lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.handleConn(r.Context(), conn)
}

// Run starts an HTTP server bound to addr serving the rendezvous
// WebSocket endpoint at "/" and blocks until ctx is cancelled, mirroring
// the teacher's Run(ctx, cfg, logger)-blocks-until-cancelled shape. If
// certFile and keyFile are both non-empty, the listener serves wss://
// instead of ws://.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rendezvous server listening", "address", addr, "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = httpSrv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rendezvous: serving: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleConn(ctx context.Context, conn *websocket.Conn) {
	ws := newWSConn(conn)
	defer ws.close()

	var mt Message
	if err := conn.ReadJSON(&mt); err != nil {
		s.logger.Debug("rendezvous connection closed before first message", "error", err)
		return
	}

	switch mt.Type {
	case MsgCreateRoom:
		s.handleHost(ctx, ws)
	case MsgJoinRoom:
		if mt.JoinRoom == nil {
			s.sendError(ws, "join-room missing room_code")
			return
		}
		s.handleGuest(ctx, ws, mt.JoinRoom.RoomCode)
	default:
		s.sendError(ws, "expected create-room or join-room as first message")
	}
}

func (s *Server) handleHost(ctx context.Context, ws *wsConn) {
	hostID := uuid.NewString()
	rm := &room{
		sessionID: xid.New().String(),
		host:      &peer{id: hostID, conn: ws},
		openedAt:  time.Now(),
	}

	code, err := s.allocateRoomCode(rm)
	if err != nil {
		s.sendError(ws, err.Error())
		return
	}
	rm.code = code
	defer s.closeRoom(rm, "host_disconnected")

	logger := s.logger.With("room_code", code, "host_id", hostID, "session_id", rm.sessionID)
	logger.Info("room created")

	if err := ws.writeJSON(&Message{Type: MsgRoomCreated, RoomCreated: &RoomCreatedPayload{RoomCode: code}}); err != nil {
		logger.Warn("writing room-created", "error", err)
		return
	}

	s.relayLoop(ctx, rm, rm.host, logger)
}

func (s *Server) handleGuest(ctx context.Context, ws *wsConn, code string) {
	v, ok := s.rooms.Load(code)
	if !ok {
		s.sendError(ws, "invalid room")
		return
	}
	rm := v.(*room)

	rm.mu.Lock()
	if rm.guest != nil {
		rm.mu.Unlock()
		s.sendError(ws, "invalid room")
		return
	}
	guestID := uuid.NewString()
	self := &peer{id: guestID, conn: ws}
	rm.guest = self
	rm.mu.Unlock()

	logger := s.logger.With("room_code", code, "guest_id", guestID, "session_id", rm.sessionID)
	logger.Info("guest joined room")

	if err := ws.writeJSON(&Message{Type: MsgRoomJoined, RoomJoined: &RoomJoinedPayload{RoomCode: code}}); err != nil {
		logger.Warn("writing room-joined", "error", err)
		return
	}
	if err := rm.host.conn.writeJSON(&Message{Type: MsgClientJoined, ClientJoined: &ClientJoinedPayload{ClientID: guestID}}); err != nil {
		logger.Warn("notifying host of joined guest", "error", err)
	}

	s.relayLoop(ctx, rm, self, logger)

	// The guest disconnecting does not evaporate the room — only the
	// host disconnecting does (spec.md §4.7). Freeing the guest slot
	// here lets a reconnecting guest rejoin under the same room code,
	// the rendezvous half of the resume-across-reconnect behavior.
	rm.mu.Lock()
	if rm.guest == self {
		rm.guest = nil
	}
	rm.mu.Unlock()
	logger.Info("guest left room")
}

// relayLoop reads records from self's connection and forwards offer,
// answer, and ice-candidate frames to the other party, until the
// connection closes or ctx is cancelled.
func (s *Server) relayLoop(ctx context.Context, rm *room, self *peer, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		var msg Message
		if err := self.conn.conn.ReadJSON(&msg); err != nil {
			logger.Debug("rendezvous peer disconnected", "error", err)
			return
		}

		switch msg.Type {
		case MsgOffer, MsgAnswer, MsgICECandidate:
			other := rm.otherThan(self)
			if other == nil {
				continue
			}
			if err := other.conn.writeJSON(&msg); err != nil {
				logger.Warn("relaying descriptor", "type", msg.Type, "error", err)
				continue
			}
			rm.mu.Lock()
			rm.relayed++
			rm.mu.Unlock()
		default:
			logger.Debug("ignoring unexpected record in relay loop", "type", msg.Type)
		}
	}
}

func (rm *room) otherThan(self *peer) *peer {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.host == self {
		return rm.guest
	}
	return rm.host
}

func (s *Server) closeRoom(rm *room, outcome string) {
	s.rooms.Delete(rm.code)
	if rm.host != nil {
		_ = rm.host.conn.close()
	}
	rm.mu.Lock()
	guest := rm.guest
	relayed := rm.relayed
	rm.mu.Unlock()
	if guest != nil {
		_ = guest.conn.close()
	}

	if s.history == nil {
		return
	}
	entry := HistoryEntry{
		SessionID:     rm.sessionID,
		RoomCode:      rm.code,
		HostID:        rm.host.id,
		Outcome:       outcome,
		OpenedAt:      rm.openedAt,
		ClosedAt:      time.Now(),
		RelayedFrames: relayed,
	}
	if guest != nil {
		entry.GuestID = guest.id
	}
	if err := s.history.Append(entry); err != nil {
		s.logger.Warn("writing session history entry", "error", err)
	}
}

// allocateRoomCode reserves a free 4-digit code for rm by storing rm
// itself under the first code that isn't already taken, regenerating on
// collision (spec.md §4.7's "reject creation if already present;
// regenerate").
func (s *Server) allocateRoomCode(rm *room) (string, error) {
	for i := 0; i < roomCodeGenerationAttempts; i++ {
		code := fmt.Sprintf("%04d", roomCodeMin+rand.IntN(roomCodeMax-roomCodeMin+1))
		if _, loaded := s.rooms.LoadOrStore(code, rm); !loaded {
			return code, nil
		}
	}
	return "", fmt.Errorf("rendezvous: could not allocate a free room code")
}

func (s *Server) sendError(ws *wsConn, message string) {
	_ = ws.writeJSON(&Message{Type: MsgError, Error: &ErrorPayload{Message: message}})
}
