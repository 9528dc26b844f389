package proto

import "encoding/json"

// Message codes as used on the wire. Codes in the 1xx range are shared
// with the client; the server only ever originates 100, 102, 105, 111,
// 113 and 114.
const (
	MsgUpdateSession   = 100
	MsgCreateSession   = 101
	MsgSessionCreated  = 102
	MsgJoinSession     = 103
	MsgLeaveSession    = 104
	MsgSessionList     = 105
	MsgDisconnect      = 106
	MsgBroadcastTrack  = 108
	MsgRequestTrack    = 109
	MsgRelinquishTrack = 110
	MsgTrackStatus     = 111
	MsgConnect         = 112
	MsgConnectAck      = 113
	MsgError           = 114
)

// Envelope is the inbound wire frame. MessageID is a pointer so a frame
// that omits it entirely can be told apart from code 0.
type Envelope struct {
	SourceID  string          `json:"sourceID"`
	MessageID *int            `json:"messageID"`
	Payload   json.RawMessage `json:"payload"`
}

// Outbound is the envelope for frames sent to clients.
type Outbound struct {
	SourceID  string `json:"sourceID"`
	MessageID int    `json:"messageID"`
	Payload   any    `json:"payload"`
}

// TrackSnapshot is the wire projection of a single track.
type TrackSnapshot struct {
	TrackID    int     `json:"trackID"`
	ClientID   string  `json:"clientID"`
	Nickname   string  `json:"nickname"`
	Instrument string  `json:"instrument"`
	Grid       [][]int `json:"grid"`
}

// SessionSnapshot is the wire projection of a session: member nicknames
// in join order plus every track on the board.
type SessionSnapshot struct {
	Clients   []string        `json:"clients"`
	SessionID int             `json:"sessionID"`
	Tempo     int             `json:"tempo"`
	Board     []TrackSnapshot `json:"board"`
}

// ConnectPayload is sent with code 112 by a client introducing itself.
type ConnectPayload struct {
	Nickname string `json:"nickname"`
}

// ConnectAckPayload answers a 112 with the assigned (or re-resolved)
// client id and the ids of every open session.
type ConnectAckPayload struct {
	ClientID   string `json:"clientID"`
	SessionIDs []int  `json:"sessionIDs"`
}

// SessionRefPayload names a session for join (103) and leave (104).
type SessionRefPayload struct {
	SessionID *int `json:"sessionID"`
}

// UpdateSessionPayload carries a whole-session sync (100).
type UpdateSessionPayload struct {
	Session *SessionSnapshot `json:"session"`
}

// BroadcastTrackPayload carries a single owned track to apply to every
// listed session (108).
type BroadcastTrackPayload struct {
	Track      *TrackSnapshot `json:"track"`
	SessionIDs []int          `json:"sessionIDs"`
}

// TrackRefPayload names a track within a session for request (109) and
// relinquish (110).
type TrackRefPayload struct {
	SessionID *int `json:"sessionID"`
	TrackID   *int `json:"trackID"`
}

// TrackStatusPayload answers a 109 with the arbitration outcome (111).
type TrackStatusPayload struct {
	Status    bool `json:"status"`
	SessionID int  `json:"sessionID"`
	TrackID   int  `json:"trackID"`
}

// SessionListPayload carries the ids of every open session (105).
type SessionListPayload struct {
	SessionIDs []int `json:"sessionIDs"`
}

// SessionPayload carries a session snapshot (100 outbound, 102).
type SessionPayload struct {
	Session SessionSnapshot `json:"session"`
}

// ErrorPayload carries a human-readable reason with code 114.
type ErrorPayload struct {
	Error string `json:"error"`
}
