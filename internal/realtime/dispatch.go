package realtime

import (
	"errors"

	"github.com/petervdpas/pairline/internal/call"
	"github.com/petervdpas/pairline/internal/chat"
	"github.com/petervdpas/pairline/internal/metrics"
	"github.com/petervdpas/pairline/internal/proto"
	"github.com/petervdpas/pairline/internal/util"
)

var knownEvents = map[string]bool{
	proto.EventJoin:          true,
	proto.EventCallInitiate:  true,
	proto.EventCallAnswer:    true,
	proto.EventCallCandidate: true,
	proto.EventCallHangup:    true,
	proto.EventCallDecline:   true,
	proto.EventChatSend:      true,
	proto.EventPing:          true,
}

// eventLabel keeps client controlled strings out of metric labels.
func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return "unknown"
}

// dispatch handles one client frame. Failures are answered with an error
// frame on the same connection; the connection stays open.
func (h *Hub) dispatch(c *Conn, msg []byte) {
	f, err := proto.Decode(msg)
	if err != nil {
		h.reject(c, "", "malformed frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(eventLabel(f.Event)).Inc()

	switch f.Event {
	case proto.EventPing:
		c.deliver(proto.MustEncode(proto.EventPong, nil))
		return
	case proto.EventJoin:
		h.join(c, f)
		return
	}

	userID := c.User()
	if userID == "" {
		h.reject(c, f.Event, proto.ReasonJoinRequired)
		return
	}

	switch f.Event {
	case proto.EventCallInitiate:
		var p proto.CallInitiate
		if err := f.Bind(&p); err != nil {
			h.reject(c, f.Event, "malformed payload")
			return
		}
		if h.opts.CallLimiter != nil && !h.opts.CallLimiter.Allow(userID) {
			c.deliver(proto.MustEncode(proto.EventCallError, proto.CallError{Reason: proto.ReasonRateLimited}))
			return
		}
		_, err = h.calls.Initiate(h.ctx, call.Request{
			CallerConn: c.id,
			CallerID:   userID,
			CalleeID:   p.CalleeID,
			Video:      p.Video,
			Payload:    p.Payload,
		})

	case proto.EventCallAnswer, proto.EventCallCandidate:
		var p proto.SessionSignal
		if err := f.Bind(&p); err != nil {
			h.reject(c, f.Event, "malformed payload")
			return
		}
		if f.Event == proto.EventCallAnswer {
			err = h.calls.Answer(c.id, userID, p.SessionID, p.Payload)
		} else {
			err = h.calls.Candidate(c.id, userID, p.SessionID, p.Payload)
		}

	case proto.EventCallHangup, proto.EventCallDecline:
		var p proto.SessionRef
		if err := f.Bind(&p); err != nil {
			h.reject(c, f.Event, "malformed payload")
			return
		}
		if f.Event == proto.EventCallHangup {
			err = h.calls.Hangup(c.id, userID, p.SessionID)
		} else {
			err = h.calls.Decline(c.id, userID, p.SessionID)
		}

	case proto.EventChatSend:
		var p proto.ChatSend
		if err := f.Bind(&p); err != nil {
			h.reject(c, f.Event, "malformed payload")
			return
		}
		var res chat.Result
		res, err = h.chat.Relay(h.ctx, c.id, userID, p.ReceiverID, p.Body)
		if err == nil {
			metrics.ChatRelayed.Inc()
			c.deliver(proto.MustEncode(proto.EventChatSent, proto.ChatSent{
				ReceiverID: res.Message.ReceiverID,
				Body:       res.Message.Body,
				Timestamp:  res.Message.CreatedAt,
			}))
		}

	default:
		h.reject(c, f.Event, "unknown event")
		return
	}

	if err != nil {
		h.reject(c, f.Event, reasonFor(err))
	}
}

func (h *Hub) join(c *Conn, f proto.Frame) {
	var p proto.Join
	if err := f.Bind(&p); err != nil {
		h.reject(c, f.Event, "malformed payload")
		return
	}
	userID, err := util.ValidateUserID(p.UserID)
	if err != nil {
		h.reject(c, f.Event, err.Error())
		return
	}
	if h.opts.Verifier != nil {
		if err := h.opts.Verifier.Verify(p.Token, userID); err != nil {
			metrics.AuthFailures.WithLabelValues("join").Inc()
			log.Infof("conn %s: join as %s refused: %v", c.id, userID, err)
			h.reject(c, f.Event, "unauthorized")
			return
		}
	}

	if prev := c.setUser(userID); prev != "" && prev != userID {
		// The connection changes hands; calls it carried for the old user end.
		h.calls.ConnectionClosed(c.id)
	}
	h.presence.Join(userID, c.id)
	c.deliver(proto.MustEncode(proto.EventJoined, proto.Joined{
		ConnectionID: c.id,
		UserID:       userID,
		ICEServers:   h.opts.ICEServers,
	}))
	log.Debugf("conn %s joined as %s", c.id, userID)
}

func (h *Hub) reject(c *Conn, event, reason string) {
	metrics.ProtocolErrors.WithLabelValues(eventLabel(event)).Inc()
	log.Debugf("conn %s: %s rejected: %s", c.id, event, reason)
	c.deliver(proto.MustEncode(proto.EventError, proto.ErrorPayload{Event: event, Reason: reason}))
}

// reasonFor turns a component error into the reason sent to the client.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return proto.ReasonRateLimited
	case errors.Is(err, call.ErrNotFound),
		errors.Is(err, call.ErrNotParticipant),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrInvalidRequest),
		errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, chat.ErrEmptyBody),
		errors.Is(err, chat.ErrBodyTooLong):
		return err.Error()
	case errors.Is(err, chat.ErrClosed):
		return proto.ReasonShutdown
	default:
		log.Errorf("unexpected error: %v", err)
		return "internal error"
	}
}
