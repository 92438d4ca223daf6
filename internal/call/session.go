package call

import (
	"encoding/json"
	"sync"
	"time"
)

// maxPendingCandidates bounds the caller candidates held while ringing.
const maxPendingCandidates = 64

// Session is one call attempt between a caller and a callee. It refers to
// connections by id only and never keeps one alive.
type Session struct {
	id         string
	callerID   string
	calleeID   string
	callerConn string
	video      bool
	createdAt  time.Time

	mu           sync.Mutex
	state        State
	reason       string
	calleeConn   string
	lastActivity time.Time
	ringTimer    *time.Timer
	pending      []json.RawMessage // caller candidates sent before the answer
}

func newSession(id string, req Request, now time.Time) *Session {
	return &Session{
		id:           id,
		callerID:     req.CallerID,
		calleeID:     req.CalleeID,
		callerConn:   req.CallerConn,
		video:        req.Video,
		createdAt:    now,
		state:        Dialing,
		lastActivity: now,
	}
}

// moveLocked switches state and returns the transition for observers.
// Caller holds s.mu.
func (s *Session) moveLocked(to State, reason string, now time.Time) Transition {
	tr := Transition{SessionID: s.id, From: s.state, To: to, Reason: reason}
	s.state = to
	s.reason = reason
	s.lastActivity = now
	if to.Terminal() {
		s.stopTimerLocked()
		s.pending = nil
	}
	return tr
}

func (s *Session) stopTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// party reports which side userID is on.
func (s *Session) party(userID string) (caller, callee bool) {
	return userID == s.callerID, userID == s.calleeID
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		CallerID:     s.callerID,
		CalleeID:     s.calleeID,
		CallerConn:   s.callerConn,
		CalleeConn:   s.calleeConn,
		Video:        s.video,
		State:        s.state,
		Reason:       s.reason,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

type pairKey struct{ a, b string }

// unorderedPair keys a pair of users so (x, y) and (y, x) collide.
func unorderedPair(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}
