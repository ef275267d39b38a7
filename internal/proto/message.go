package proto

import "encoding/json"

// Inbound is the envelope for messages sent by a client to the server.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello = "hello"
	InboundTypeJoin  = "join"
	InboundTypeLeave = "leave"
	InboundTypeMsg   = "msg"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventNameMessage    = "message"
	EventNameUserJoined = "user_joined"
	EventNameUserLeft   = "user_left"
	EventNameHistory    = "history"
)

// Error codes sent in error envelopes.
const (
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeRoomNotFound       = "room_not_found"
	ErrCodeAlreadyJoined      = "already_joined"
	ErrCodeNotInRoom          = "not_in_room"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeInvalidMessage     = "invalid_message"
)

// HelloData is sent by the client to introduce itself.
type HelloData struct {
	User     string `json:"user"`
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// JoinData requests to join or leave a specific room.
type JoinData struct {
	Room string `json:"room"`
}

// MsgData is a chat message from the client.
type MsgData struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// NewInbound encodes data into an inbound envelope of the given type.
func NewInbound(kind string, data any) (Inbound, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: kind, Data: payload}, nil
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Frame is the client-side view of an Outbound envelope with the event
// payload left undecoded.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// EventMessage is a chat message delivered to room members.
type EventMessage struct {
	ID   int64  `json:"id,omitempty"`
	Room string `json:"room,omitempty"`
	User string `json:"user"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// EventUserJoined notifies that a user joined a room.
type EventUserJoined struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// EventUserLeft notifies that a user left a room.
type EventUserLeft struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// EventHistory carries the latest room messages, oldest first. It is the
// server's answer to a successful join.
type EventHistory struct {
	Room     string         `json:"room"`
	Members  []string       `json:"members,omitempty"`
	Messages []EventMessage `json:"messages"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}
