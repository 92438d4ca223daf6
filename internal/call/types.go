package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/pairline/internal/gate"
)

// Presence is what the coordinator needs from the presence registry.
type Presence interface {
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []string
}

// Authorizer is satisfied by *gate.Gate.
type Authorizer interface {
	CheckCapability(ctx context.Context, userID string, c gate.Capability) gate.Decision
}

// Deliverer hands an encoded frame to one connection. It returns false when
// the connection is gone or can no longer accept frames.
type Deliverer interface {
	Deliver(connID string, frame []byte) bool
}

var (
	ErrInvalidRequest = errors.New("invalid call request")
	ErrNotFound       = errors.New("call session not found")
	ErrNotParticipant = errors.New("not a participant of this call")
	ErrInvalidState   = errors.New("call is not in a state that allows this")
)

type State int

const (
	Idle State = iota
	Dialing
	Ringing
	Connected
	Ended
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Ended || s == Rejected || s == Failed
}

// Snapshot is a point-in-time copy of a session, safe to hand out.
type Snapshot struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"caller_id"`
	CalleeID     string    `json:"callee_id"`
	CallerConn   string    `json:"caller_conn"`
	CalleeConn   string    `json:"callee_conn,omitempty"`
	Video        bool      `json:"video"`
	State        State     `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Transition is reported to OnTransition observers. Attempts refused before a
// session exists carry an empty SessionID and From == Idle.
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    string
}

// Request is a call-initiate coming from one connection.
type Request struct {
	CallerConn string
	CallerID   string
	CalleeID   string
	Video      bool
	Payload    []byte // opaque session description, relayed verbatim
}
