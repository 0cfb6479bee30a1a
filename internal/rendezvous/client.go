package rendezvous

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialTimeout bounds how long Client.CreateRoom/JoinRoom wait for the
// rendezvous server to respond to the initial handshake message.
const dialTimeout = 10 * time.Second

// Client is the peer-side half of the rendezvous protocol: it dials the
// rendezvous server, creates or joins a room, and exchanges the opaque
// connection-setup descriptors (offer/answer/ice-candidate) that let the
// two peers establish their direct bulk-transfer channel.
type Client struct {
	logger *slog.Logger
	conn   *wsConn
	raw    *websocket.Conn
}

// Dial connects to the rendezvous server at addr (host:port, no scheme).
// useTLS selects "wss" over "ws".
func Dial(addr string, useTLS bool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/"}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dialing %s: %w", u.String(), err)
	}
	return &Client{logger: logger, conn: newWSConn(conn), raw: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.close() }

// Conn exposes the raw WebSocket connection so a caller can switch to
// reading/writing offer/answer/ice-candidate frames directly once paired.
func (c *Client) Conn() *websocket.Conn { return c.raw }

// CreateRoom asks the rendezvous server to allocate a new room and
// returns its 4-digit code.
func (c *Client) CreateRoom() (string, error) {
	if err := c.conn.writeJSON(&Message{Type: MsgCreateRoom}); err != nil {
		return "", fmt.Errorf("rendezvous: sending create-room: %w", err)
	}

	msg, err := c.readWithTimeout()
	if err != nil {
		return "", err
	}
	switch msg.Type {
	case MsgRoomCreated:
		if msg.RoomCreated == nil {
			return "", fmt.Errorf("rendezvous: room-created missing payload")
		}
		return msg.RoomCreated.RoomCode, nil
	case MsgError:
		return "", fmt.Errorf("rendezvous: %s", errMessage(msg))
	default:
		return "", fmt.Errorf("rendezvous: unexpected reply to create-room: %s", msg.Type)
	}
}

// JoinRoom asks the rendezvous server to pair this connection with the
// host that holds roomCode.
func (c *Client) JoinRoom(roomCode string) error {
	if err := c.conn.writeJSON(&Message{Type: MsgJoinRoom, JoinRoom: &JoinRoomPayload{RoomCode: roomCode}}); err != nil {
		return fmt.Errorf("rendezvous: sending join-room: %w", err)
	}

	msg, err := c.readWithTimeout()
	if err != nil {
		return err
	}
	switch msg.Type {
	case MsgRoomJoined:
		return nil
	case MsgError:
		return fmt.Errorf("rendezvous: %s", errMessage(msg))
	default:
		return fmt.Errorf("rendezvous: unexpected reply to join-room: %s", msg.Type)
	}
}

// WaitForGuest blocks (as the host) until the server reports a guest has
// joined the room, returning the guest's connection ID. Unlike
// CreateRoom/JoinRoom, this has no fixed deadline: a human on the other
// end needs time to type in the room code.
func (c *Client) WaitForGuest() (string, error) {
	var msg Message
	if err := c.raw.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("rendezvous: reading reply: %w", err)
	}
	if msg.Type != MsgClientJoined || msg.ClientJoined == nil {
		return "", fmt.Errorf("rendezvous: expected client-joined, got %s", msg.Type)
	}
	return msg.ClientJoined.ClientID, nil
}

// SendDescriptor relays an opaque offer, answer, or ice-candidate
// payload to the other party via the rendezvous server.
func (c *Client) SendDescriptor(msgType MessageType, descriptor any) error {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("rendezvous: marshaling descriptor: %w", err)
	}
	payload := &DescriptorPayload{Descriptor: raw}
	msg := &Message{Type: msgType}
	switch msgType {
	case MsgOffer:
		msg.Offer = payload
	case MsgAnswer:
		msg.Answer = payload
	case MsgICECandidate:
		msg.ICECandidate = payload
	default:
		return fmt.Errorf("rendezvous: SendDescriptor called with non-descriptor type %s", msgType)
	}
	return c.conn.writeJSON(msg)
}

// ReceiveDescriptor blocks for the next offer/answer/ice-candidate
// record and returns its type and raw JSON descriptor for the caller to
// unmarshal into its own connection-setup type.
func (c *Client) ReceiveDescriptor() (MessageType, json.RawMessage, error) {
	var msg Message
	if err := c.raw.ReadJSON(&msg); err != nil {
		return "", nil, fmt.Errorf("rendezvous: reading descriptor: %w", err)
	}
	switch msg.Type {
	case MsgOffer:
		return MsgOffer, msg.Offer.Descriptor, nil
	case MsgAnswer:
		return MsgAnswer, msg.Answer.Descriptor, nil
	case MsgICECandidate:
		return MsgICECandidate, msg.ICECandidate.Descriptor, nil
	case MsgError:
		return "", nil, fmt.Errorf("rendezvous: %s", errMessage(&msg))
	default:
		return "", nil, fmt.Errorf("rendezvous: unexpected record while waiting for descriptor: %s", msg.Type)
	}
}

func (c *Client) readWithTimeout() (*Message, error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(dialTimeout)); err != nil {
		return nil, fmt.Errorf("rendezvous: setting read deadline: %w", err)
	}
	defer c.raw.SetReadDeadline(time.Time{})

	var msg Message
	if err := c.raw.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("rendezvous: reading reply: %w", err)
	}
	return &msg, nil
}

func errMessage(msg *Message) string {
	if msg.Error == nil {
		return "unknown error"
	}
	return msg.Error.Message
}
