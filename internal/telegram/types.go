package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"layoutfixd/internal/feed"
)

var (
	// ErrFeedNotOK is returned when the API answers with "ok": false.
	ErrFeedNotOK = errors.New("telegram: response not ok")

	// ErrMalformedPayload is returned when a response cannot be decoded or
	// does not match the expected shape.
	ErrMalformedPayload = errors.New("telegram: malformed payload")
)

// APIError is a protocol-level failure reported by the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when the API asked the client to slow down.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telegram %s: ok=false (%d %s)", e.Method, e.Code, e.Description)
	}
	return fmt.Sprintf("telegram %s: ok=false %s", e.Method, e.Description)
}

// Unwrap lets callers test with errors.Is(err, ErrFeedNotOK).
func (e *APIError) Unwrap() error {
	return ErrFeedNotOK
}

type envelope struct {
	OK          *bool           `json:"ok"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Update is the subset of a Bot API update the daemon reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Bot API message the daemon reads.
type Message struct {
	MessageID int64   `json:"message_id"`
	Date      int64   `json:"date"`
	Chat      *Chat   `json:"chat,omitempty"`
	Text      *string `json:"text,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// User is returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Event converts an update into a feed event. received is used as the
// arrival time when the message carries no date.
func (u Update) Event(received time.Time) feed.Event {
	ev := feed.Event{Sequence: u.UpdateID, ArrivedAt: received}
	m := u.Message
	if m == nil {
		return ev
	}
	ev.MessageID = feed.Int64(m.MessageID)
	if m.Chat != nil {
		ev.ConversationID = feed.Int64(m.Chat.ID)
	}
	if m.Text != nil {
		ev.Text = feed.String(*m.Text)
	}
	if m.Date > 0 {
		ev.ArrivedAt = time.Unix(m.Date, 0)
	}
	return ev
}
