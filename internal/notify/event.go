package notify

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindRequest Kind = "request"
	KindLike    Kind = "like"
	KindComment Kind = "comment"
	KindMatch   Kind = "match"
	KindSystem  Kind = "system"
)

// defaultMessages are used when a publisher sends no message text.
var defaultMessages = map[Kind]string{
	KindRequest: "Someone sent you an Interest Request!",
	KindLike:    "Someone liked your profile!",
	KindComment: "New comment on your reel!",
	KindMatch:   "You have a new match!",
}

func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindLike, KindComment, KindMatch, KindSystem:
		return true
	}
	return false
}

// userTextFields are payload keys that carry text typed by another user.
var userTextFields = []string{"text", "caption", "comment"}

// Event is one notification. It is not changed after Publish stores it.
type Event struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	ActorID     string         `json:"actor_id,omitempty"`
	Kind        Kind           `json:"kind"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (e *Event) normalize() error {
	e.RecipientID = strings.TrimSpace(e.RecipientID)
	if e.RecipientID == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = defaultMessages[e.Kind]
	}
	if e.Message == "" {
		return fmt.Errorf("%w: %s notifications need a message", ErrInvalidEvent, e.Kind)
	}
	return nil
}
