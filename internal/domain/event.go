package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

type EventType string

const (
	EventSystem  EventType = "system"
	EventComment EventType = "comment"
	EventGift    EventType = "gift"
)

// SystemCode is the symbolic status carried by a system notice. Subscribers match on these
// literal values, so they are part of the wire contract.
type SystemCode string

const (
	CodeServerConnected   SystemCode = "conectado_servidor"
	CodeUpstreamConnected SystemCode = "conectado_tiktok"
	CodeStreamEnded       SystemCode = "transmision_finalizada"
	CodeConnectionError   SystemCode = "error_conexion"
	CodeDisconnected      SystemCode = "desconectado_tiktok"
	CodePing              SystemCode = "ping"
)

// Event is a normalized event, the only unit delivered to subscribers.
// The set of implementations is closed: SystemNotice, Comment and Gift.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	isEvent()
}

type SystemNotice struct {
	Code     SystemCode
	Username string // set for CodeUpstreamConnected
	Reason   string // set for CodeConnectionError
	At       time.Time
}

type Comment struct {
	User    string
	Message string
	At      time.Time
}

type Gift struct {
	User  string
	Gift  string
	Count int
	At    time.Time
}

func (SystemNotice) Type() EventType { return EventSystem }
func (Comment) Type() EventType      { return EventComment }
func (Gift) Type() EventType         { return EventGift }

func (n SystemNotice) Timestamp() time.Time { return n.At }
func (c Comment) Timestamp() time.Time      { return c.At }
func (g Gift) Timestamp() time.Time         { return g.At }

func (SystemNotice) isEvent() {}
func (Comment) isEvent()      {}
func (Gift) isEvent()         {}

func Notice(code SystemCode, at time.Time) SystemNotice {
	return SystemNotice{Code: code, At: at}
}

func ConnectedNotice(username string, at time.Time) SystemNotice {
	return SystemNotice{Code: CodeUpstreamConnected, Username: username, At: at}
}

func ErrorNotice(reason string, at time.Time) SystemNotice {
	return SystemNotice{Code: CodeConnectionError, Reason: reason, At: at}
}

// NewComment keeps the sender verbatim and lower-cases and trims the text.
func NewComment(user, text string, at time.Time) Comment {
	return Comment{User: user, Message: strings.TrimSpace(strings.ToLower(text)), At: at}
}

// NewGift lower-cases the gift name; the repeat count is passed through.
func NewGift(user, giftName string, count int, at time.Time) Gift {
	return Gift{User: user, Gift: strings.ToLower(giftName), Count: count, At: at}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func (n SystemNotice) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      EventType  `json:"type"`
		Message   SystemCode `json:"message"`
		Username  string     `json:"username,omitempty"`
		Error     string     `json:"error,omitempty"`
		Timestamp string     `json:"timestamp"`
	}{EventSystem, n.Code, n.Username, n.Reason, formatTimestamp(n.At)})
}

func (c Comment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      EventType `json:"type"`
		User      string    `json:"user"`
		Message   string    `json:"message"`
		Timestamp string    `json:"timestamp"`
	}{EventComment, c.User, c.Message, formatTimestamp(c.At)})
}

func (g Gift) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      EventType `json:"type"`
		User      string    `json:"user"`
		Gift      string    `json:"gift"`
		Count     int       `json:"count"`
		Timestamp string    `json:"timestamp"`
	}{EventGift, g.User, g.Gift, g.Count, formatTimestamp(g.At)})
}

// Encode renders an event as one JSON text frame.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// EventPublisher delivers normalized events to subscribers.
type EventPublisher interface {
	Publish(ev Event)
}
