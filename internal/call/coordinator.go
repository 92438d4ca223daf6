// Package call coordinates call signaling between two users. The server only
// relays the opaque offer, answer and candidate payloads; media flows peer to
// peer.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/pairline/internal/gate"
	"github.com/petervdpas/pairline/internal/proto"
)

var log = logging.Logger("call")

// Coordinator owns the table of live call sessions.
//
// The table lock only guards inserts, removals and lookups. Transitions happen
// under the session's own mutex, and a session mutex may be held while taking
// the table lock, never the other way round.
type Coordinator struct {
	presence    Presence
	auth        Authorizer
	out         Deliverer
	ringTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	pairs    map[pairKey]string
	closed   bool

	hookMu sync.RWMutex
	hooks  []func(Transition)
}

func New(presence Presence, auth Authorizer, out Deliverer, ringTimeout time.Duration) *Coordinator {
	return &Coordinator{
		presence:    presence,
		auth:        auth,
		out:         out,
		ringTimeout: ringTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		pairs:       make(map[pairKey]string),
	}
}

// OnTransition registers fn for every state change, including attempts that
// were refused before a session existed. fn runs outside all locks.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.hookMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hookMu.Unlock()
}

func (c *Coordinator) emit(trs ...Transition) {
	c.hookMu.RLock()
	hooks := c.hooks
	c.hookMu.RUnlock()
	for _, tr := range trs {
		if tr.SessionID != "" {
			log.Debugf("session %s: %s → %s %s", tr.SessionID, tr.From, tr.To, tr.Reason)
		}
		for _, fn := range hooks {
			fn(tr)
		}
	}
}

// Initiate runs a call attempt up to Ringing. Refusals (not premium, callee
// offline, pair busy) are reported to the caller's connection as call-error
// and returned as a Failed snapshot; only malformed requests return an error.
func (c *Coordinator) Initiate(ctx context.Context, req Request) (Snapshot, error) {
	if req.CallerID == "" || req.CalleeID == "" || req.CallerConn == "" {
		return Snapshot{}, fmt.Errorf("%w: caller and callee are required", ErrInvalidRequest)
	}
	if req.CallerID == req.CalleeID {
		return Snapshot{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidRequest)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return Snapshot{}, fmt.Errorf("%w: payload must be a session description", ErrInvalidRequest)
	}

	capability := gate.StartCall
	if req.Video {
		capability = gate.StartVideoCall
	}
	if d := c.auth.CheckCapability(ctx, req.CallerID, capability); !d.Allowed {
		log.Infof("call %s → %s denied: %s", req.CallerID, req.CalleeID, d.Reason)
		return c.refuse(req, d.Reason), nil
	}

	if !c.presence.IsOnline(req.CalleeID) {
		return c.refuse(req, proto.ReasonCalleeOffline), nil
	}

	now := c.now()
	s := newSession(uuid.NewString(), req, now)

	// Hold the new session's lock before it becomes visible so nobody can act
	// on it while it is still dialing.
	s.mu.Lock()
	if reason := c.insert(s); reason != "" {
		s.mu.Unlock()
		return c.refuse(req, reason), nil
	}

	frame, err := proto.Encode(proto.EventCallInitiate, proto.IncomingCall{
		SessionID: s.id,
		CallerID:  s.callerID,
		Video:     s.video,
		Payload:   req.Payload,
	})
	if err != nil {
		c.remove(s)
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	delivered := c.broadcast(c.presence.ConnectionsFor(s.calleeID), frame)
	if delivered == 0 {
		tr := s.moveLocked(Failed, proto.ReasonCalleeOffline, c.now())
		c.remove(s)
		c.send(s.callerConn, proto.EventCallError, proto.CallError{SessionID: s.id, Reason: proto.ReasonCalleeOffline})
		snap := s.snapshotLocked()
		s.mu.Unlock()
		c.emit(Transition{SessionID: s.id, From: Idle, To: Dialing}, tr)
		return snap, nil
	}

	tr := s.moveLocked(Ringing, "", c.now())
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.expire(s) })
	c.send(s.callerConn, proto.EventCallRinging, proto.CallRinging{SessionID: s.id, CalleeID: s.calleeID})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	log.Infof("session %s: %s ringing %s on %d connection(s)", s.id, s.callerID, s.calleeID, delivered)
	c.emit(Transition{SessionID: s.id, From: Idle, To: Dialing}, tr)
	return snap, nil
}

// refuse tells only the caller why the attempt failed. The callee never hears
// about refused attempts.
func (c *Coordinator) refuse(req Request, reason string) Snapshot {
	c.send(req.CallerConn, proto.EventCallError, proto.CallError{Reason: reason})
	c.emit(Transition{From: Idle, To: Failed, Reason: reason})
	return Snapshot{
		CallerID:   req.CallerID,
		CalleeID:   req.CalleeID,
		CallerConn: req.CallerConn,
		Video:      req.Video,
		State:      Failed,
		Reason:     reason,
	}
}

// insert files s and reserves its pair. It returns a refusal reason when the
// pair already has a live session or the coordinator is closed.
func (c *Coordinator) insert(s *Session) string {
	key := unorderedPair(s.callerID, s.calleeID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return proto.ReasonShutdown
	}
	if _, busy := c.pairs[key]; busy {
		return proto.ReasonCallInProgress
	}
	c.sessions[s.id] = s
	c.pairs[key] = s.id
	return ""
}

// remove drops a terminal session and releases its pair.
func (c *Coordinator) remove(s *Session) {
	key := unorderedPair(s.callerID, s.calleeID)
	c.mu.Lock()
	delete(c.sessions, s.id)
	if c.pairs[key] == s.id {
		delete(c.pairs, key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) get(id string) *Session {
	c.mu.RLock()
	s := c.sessions[id]
	c.mu.RUnlock()
	return s
}

// Answer moves a ringing session to Connected and relays the answer to the
// connection the call was placed from.
func (c *Coordinator) Answer(connID, userID, sessionID string, payload []byte) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: answer payload required", ErrInvalidRequest)
	}
	s := c.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	if _, callee := s.party(userID); !callee {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.state != Ringing {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: answer while %s", ErrInvalidState, st)
	}

	s.calleeConn = connID
	trs := []Transition{s.moveLocked(Connected, "", c.now())}
	s.stopTimerLocked()

	if !c.send(s.callerConn, proto.EventCallAnswer, proto.CallAnswer{SessionID: s.id, Payload: payload}) {
		trs = append(trs, s.moveLocked(Ended, proto.ReasonPeerDisconnected, c.now()))
		c.remove(s)
		c.send(connID, proto.EventCallHangup, proto.CallHangup{SessionID: s.id, Reason: proto.ReasonPeerDisconnected})
		s.mu.Unlock()
		c.emit(trs...)
		return nil
	}

	for _, other := range c.presence.ConnectionsFor(s.calleeID) {
		if other != connID {
			c.send(other, proto.EventCallHangup, proto.CallHangup{SessionID: s.id, Reason: proto.ReasonAnsweredElsewhere})
		}
	}
	for _, cand := range s.pending {
		c.send(connID, proto.EventCallCandidate, proto.CallCandidate{SessionID: s.id, From: s.callerID, Payload: cand})
	}
	s.pending = nil
	s.mu.Unlock()

	log.Infof("session %s: connected", s.id)
	c.emit(trs...)
	return nil
}

// Candidate relays an ICE candidate to the other party. While ringing only
// the caller may send; those candidates are held and flushed to whichever
// connection answers.
func (c *Coordinator) Candidate(connID, userID, sessionID string, payload []byte) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: candidate payload required", ErrInvalidRequest)
	}
	s := c.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	isCaller, isCallee := s.party(userID)
	if (isCaller && connID != s.callerConn) || (isCallee && s.state == Connected && connID != s.calleeConn) || (!isCaller && !isCallee) {
		s.mu.Unlock()
		return ErrNotParticipant
	}

	switch {
	case s.state == Ringing && isCaller:
		if len(s.pending) >= maxPendingCandidates {
			s.mu.Unlock()
			return fmt.Errorf("%w: too many candidates before answer", ErrInvalidState)
		}
		s.pending = append(s.pending, append(json.RawMessage(nil), payload...))
		s.lastActivity = c.now()
		s.mu.Unlock()
		return nil
	case s.state != Connected:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: candidate while %s", ErrInvalidState, st)
	}

	target := s.calleeConn
	if isCallee {
		target = s.callerConn
	}
	s.lastActivity = c.now()
	if c.send(target, proto.EventCallCandidate, proto.CallCandidate{SessionID: s.id, From: userID, Payload: payload}) {
		s.mu.Unlock()
		return nil
	}

	tr := s.moveLocked(Ended, proto.ReasonPeerDisconnected, c.now())
	c.remove(s)
	c.send(connID, proto.EventCallHangup, proto.CallHangup{SessionID: s.id, Reason: proto.ReasonPeerDisconnected})
	s.mu.Unlock()
	c.emit(tr)
	return nil
}

// Hangup ends a ringing or connected session. Hanging up a session that is
// already over, or unknown, does nothing.
func (c *Coordinator) Hangup(connID, userID, sessionID string) error {
	s := c.get(sessionID)
	if s == nil {
		log.Debugf("hangup for unknown session %s from %s", sessionID, userID)
		return nil
	}

	s.mu.Lock()
	isCaller, isCallee := s.party(userID)
	if !isCaller && !isCallee {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}

	tr := s.moveLocked(Ended, proto.ReasonHangup, c.now())
	c.remove(s)
	c.notifyOther(s, isCaller, proto.ReasonHangup)
	s.mu.Unlock()

	log.Infof("session %s: hung up by %s", s.id, userID)
	c.emit(tr)
	return nil
}

// Decline rejects a call that has not been answered yet.
func (c *Coordinator) Decline(connID, userID, sessionID string) error {
	s := c.get(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if _, isCallee := s.party(userID); !isCallee {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state != Dialing && s.state != Ringing {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: decline while %s", ErrInvalidState, st)
	}

	tr := s.moveLocked(Rejected, proto.ReasonDeclined, c.now())
	c.remove(s)
	c.send(s.callerConn, proto.EventCallDeclined, proto.CallDeclined{SessionID: s.id})
	for _, other := range c.presence.ConnectionsFor(s.calleeID) {
		if other != connID {
			c.send(other, proto.EventCallHangup, proto.CallHangup{SessionID: s.id, Reason: proto.ReasonDeclined})
		}
	}
	s.mu.Unlock()

	log.Infof("session %s: declined by %s", s.id, userID)
	c.emit(tr)
	return nil
}

// ConnectionClosed ends every session that was placed from or answered on
// connID.
func (c *Coordinator) ConnectionClosed(connID string) {
	c.endMatching(func(s *Session) (bool, bool) {
		return s.callerConn == connID, s.calleeConn == connID
	})
}

// UserOffline ends every session of a user whose last connection closed.
func (c *Coordinator) UserOffline(userID string) {
	c.endMatching(func(s *Session) (bool, bool) {
		return s.party(userID)
	})
}

// endMatching ends sessions for which match reports the caller or callee side
// as gone and tells the surviving party. match runs under the session lock.
func (c *Coordinator) endMatching(match func(*Session) (callerGone, calleeGone bool)) {
	var trs []Transition
	for _, s := range c.all() {
		s.mu.Lock()
		callerGone, calleeGone := match(s)
		if (!callerGone && !calleeGone) || s.state.Terminal() {
			s.mu.Unlock()
			continue
		}
		trs = append(trs, s.moveLocked(Ended, proto.ReasonPeerDisconnected, c.now()))
		c.remove(s)
		switch {
		case callerGone && calleeGone:
		case callerGone:
			c.notifyOther(s, true, proto.ReasonPeerDisconnected)
		default:
			c.notifyOther(s, false, proto.ReasonPeerDisconnected)
		}
		s.mu.Unlock()
		log.Infof("session %s: ended, peer disconnected", s.id)
	}
	c.emit(trs...)
}

// expire fails a session nobody answered in time.
func (c *Coordinator) expire(s *Session) {
	s.mu.Lock()
	if s.state != Ringing {
		s.mu.Unlock()
		return
	}
	tr := s.moveLocked(Failed, proto.ReasonNoAnswer, c.now())
	c.remove(s)
	c.send(s.callerConn, proto.EventCallError, proto.CallError{SessionID: s.id, Reason: proto.ReasonNoAnswer})
	c.broadcastEvent(c.presence.ConnectionsFor(s.calleeID), proto.EventCallHangup, proto.CallHangup{SessionID: s.id, Reason: proto.ReasonNoAnswer})
	s.mu.Unlock()

	log.Infof("session %s: no answer", s.id)
	c.emit(tr)
}

// notifyOther sends call-hangup to the party opposite the one that left.
// Before an answer the callee is reached on all of its connections.
// Caller holds s.mu.
func (c *Coordinator) notifyOther(s *Session, fromCaller bool, reason string) {
	msg := proto.CallHangup{SessionID: s.id, Reason: reason}
	if !fromCaller {
		c.send(s.callerConn, proto.EventCallHangup, msg)
		return
	}
	if s.calleeConn != "" {
		c.send(s.calleeConn, proto.EventCallHangup, msg)
		return
	}
	c.broadcastEvent(c.presence.ConnectionsFor(s.calleeID), proto.EventCallHangup, msg)
}

func (c *Coordinator) all() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()
	return out
}

// Lookup returns a snapshot of a live session.
func (c *Coordinator) Lookup(sessionID string) (Snapshot, bool) {
	s := c.get(sessionID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Active lists live sessions, oldest first.
func (c *Coordinator) Active() []Snapshot {
	sessions := c.all()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close ends every live session and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	var trs []Transition
	for _, s := range c.all() {
		s.mu.Lock()
		if !s.state.Terminal() {
			trs = append(trs, s.moveLocked(Ended, proto.ReasonShutdown, c.now()))
			msg := proto.CallHangup{SessionID: s.id, Reason: proto.ReasonShutdown}
			c.send(s.callerConn, proto.EventCallHangup, msg)
			if s.calleeConn != "" {
				c.send(s.calleeConn, proto.EventCallHangup, msg)
			} else {
				c.broadcastEvent(c.presence.ConnectionsFor(s.calleeID), proto.EventCallHangup, msg)
			}
		}
		c.remove(s)
		s.mu.Unlock()
	}
	c.emit(trs...)
}

func (c *Coordinator) send(connID, event string, data any) bool {
	if connID == "" {
		return false
	}
	frame, err := proto.Encode(event, data)
	if err != nil {
		log.Errorf("encode %s: %v", event, err)
		return false
	}
	return c.out.Deliver(connID, frame)
}

func (c *Coordinator) broadcastEvent(conns []string, event string, data any) int {
	frame, err := proto.Encode(event, data)
	if err != nil {
		log.Errorf("encode %s: %v", event, err)
		return 0
	}
	return c.broadcast(conns, frame)
}

func (c *Coordinator) broadcast(conns []string, frame []byte) int {
	n := 0
	for _, id := range conns {
		if c.out.Deliver(id, frame) {
			n++
		}
	}
	return n
}
