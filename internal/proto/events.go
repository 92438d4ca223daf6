package proto

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// ── Event names ───────────────────────────────────────────────────────────────
// Value of the "event" field of every frame on /ws. Client code mirrors these
// strings, keep both in sync.

// Client → server.
const (
	EventJoin          = "join"
	EventCallInitiate  = "call-initiate"
	EventCallAnswer    = "call-answer"
	EventCallCandidate = "call-candidate"
	EventCallHangup    = "call-hangup"
	EventCallDecline   = "call-decline"
	EventChatSend      = "chat-send"
	EventPing          = "ping"
)

// Server → client. call-initiate, call-answer, call-candidate and call-hangup
// reuse the client event names above when relayed to the other party.
const (
	EventJoined          = "joined"
	EventCallRinging     = "call-ringing"
	EventCallDeclined    = "call-declined"
	EventCallError       = "call-error"
	EventChatReceive     = "chat-receive"
	EventChatSent        = "chat-sent"
	EventNotificationNew = "notification-new"
	EventError           = "error"
	EventPong            = "pong"
)

// ── Reasons ───────────────────────────────────────────────────────────────────
// Human readable reasons carried by call-error, call-hangup and error frames.
const (
	ReasonPremiumRequired   = "premium required"
	ReasonAuthUnavailable   = "authorization unavailable"
	ReasonCalleeOffline     = "callee offline"
	ReasonCallInProgress    = "call already in progress"
	ReasonNoAnswer          = "no answer"
	ReasonHangup            = "hangup"
	ReasonDeclined          = "declined"
	ReasonPeerDisconnected  = "peer disconnected"
	ReasonAnsweredElsewhere = "answered elsewhere"
	ReasonShutdown          = "shutdown"
	ReasonJoinRequired      = "join required"
	ReasonRateLimited       = "rate limited"
)

// ── Client payloads ───────────────────────────────────────────────────────────

// Join binds the connection to a user. Token is a signed JWT whose subject
// must equal UserID when auth is enabled.
type Join struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

type CallInitiate struct {
	CalleeID string          `json:"callee_id"`
	Video    bool            `json:"video,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionSignal carries call-answer and call-candidate payloads.
type SessionSignal struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionRef carries call-hangup and call-decline.
type SessionRef struct {
	SessionID string `json:"session_id"`
}

type ChatSend struct {
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
}

// ── Server payloads ───────────────────────────────────────────────────────────

type Joined struct {
	ConnectionID string             `json:"connection_id"`
	UserID       string             `json:"user_id"`
	ICEServers   []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

type IncomingCall struct {
	SessionID string          `json:"session_id"`
	CallerID  string          `json:"caller_id"`
	Video     bool            `json:"video,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type CallRinging struct {
	SessionID string `json:"session_id"`
	CalleeID  string `json:"callee_id"`
}

type CallAnswer struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type CallCandidate struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
}

type CallHangup struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type CallDeclined struct {
	SessionID string `json:"session_id"`
}

type CallError struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
}

type ChatReceive struct {
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatSent struct {
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Event  string `json:"event,omitempty"` // the client event that failed
	Reason string `json:"reason"`
}
