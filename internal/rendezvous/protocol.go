// Package rendezvous implements the out-of-band pairing service that
// introduces two peers by a short numeric room code and relays opaque
// connection-setup descriptors between them until their direct transfer
// channel is established. The rendezvous server and client both speak
// JSON records over a gorilla/websocket connection.
package rendezvous

import "encoding/json"

// MessageType discriminates the JSON record kinds exchanged over the
// rendezvous signaling connection.
type MessageType string

const (
	MsgCreateRoom   MessageType = "create-room"
	MsgRoomCreated  MessageType = "room-created"
	MsgJoinRoom     MessageType = "join-room"
	MsgRoomJoined   MessageType = "room-joined"
	MsgClientJoined MessageType = "client-joined"
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"
	MsgError        MessageType = "error"
)

// Message is the envelope for every rendezvous record. Exactly one of
// the typed payload fields is populated, selected by Type, matching the
// shape of internal/protocol's ControlRecord for the bulk channel.
type Message struct {
	Type MessageType `json:"type"`

	RoomCreated  *RoomCreatedPayload  `json:"room_created,omitempty"`
	JoinRoom     *JoinRoomPayload     `json:"join_room,omitempty"`
	RoomJoined   *RoomJoinedPayload   `json:"room_joined,omitempty"`
	ClientJoined *ClientJoinedPayload `json:"client_joined,omitempty"`
	Offer        *DescriptorPayload   `json:"offer,omitempty"`
	Answer       *DescriptorPayload   `json:"answer,omitempty"`
	ICECandidate *DescriptorPayload   `json:"ice_candidate,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// RoomCreatedPayload carries the 4-digit room code assigned to a host.
type RoomCreatedPayload struct {
	RoomCode string `json:"room_code"`
}

// JoinRoomPayload is sent by a guest naming the room it wants to join.
type JoinRoomPayload struct {
	RoomCode string `json:"room_code"`
}

// RoomJoinedPayload confirms a successful join to the guest.
type RoomJoinedPayload struct {
	RoomCode string `json:"room_code"`
}

// ClientJoinedPayload notifies the host that a guest has joined,
// identified by a server-assigned connection ID.
type ClientJoinedPayload struct {
	ClientID string `json:"client_id"`
}

// DescriptorPayload carries an opaque connection-setup descriptor
// (offer/answer SDP, or an ICE candidate) relayed verbatim between
// peers; the rendezvous server never inspects its contents.
type DescriptorPayload struct {
	Descriptor json.RawMessage `json:"descriptor"`
}

// ErrorPayload reports a rendezvous-level failure (unknown room, full
// room, malformed request) back to the sender of the offending message.
type ErrorPayload struct {
	Message string `json:"message"`
}
