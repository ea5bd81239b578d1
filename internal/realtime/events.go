package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventName tags every message exchanged over the socket.
type EventName string

// Server to client.
const (
	EventAuthenticated       EventName = "AUTHENTICATED"
	EventNewNotification     EventName = "NEW_NOTIFICATION"
	EventNotificationRead    EventName = "NOTIFICATION_READ"
	EventNotificationDeleted EventName = "NOTIFICATION_DELETED"
	EventUnreadCountUpdated  EventName = "UNREAD_COUNT_UPDATED"
	EventError               EventName = "ERROR"
	EventPong                EventName = "PONG"
)

// Client to server.
const (
	EventMarkAsRead EventName = "MARK_AS_READ"
	EventPing       EventName = "PING"
)

// Event is the outbound envelope: {"event": "...", "data": {...}}.
type Event struct {
	Name EventName `json:"event"`
	Data any       `json:"data"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

type inboundEnvelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthenticatedPayload acknowledges a successful handshake.
type AuthenticatedPayload struct {
	UserID uuid.UUID `json:"userId"`
	ConnID string    `json:"connId"`
}

// NewNotificationPayload carries a freshly persisted notification.
type NewNotificationPayload struct {
	Notification any       `json:"notification"`
	Timestamp    time.Time `json:"timestamp"`
}

// NotificationRefPayload identifies a notification that changed.
type NotificationRefPayload struct {
	NotificationID uuid.UUID `json:"notificationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// UnreadCountPayload carries the recomputed unread counter.
type UnreadCountPayload struct {
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected inbound message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload answers a client PING.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type markAsReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// NewNotificationEvent builds NEW_NOTIFICATION.
func NewNotificationEvent(notification any, at time.Time) Event {
	return Event{Name: EventNewNotification, Data: NewNotificationPayload{Notification: notification, Timestamp: at}}
}

// NotificationReadEvent builds NOTIFICATION_READ.
func NotificationReadEvent(id uuid.UUID, at time.Time) Event {
	return Event{Name: EventNotificationRead, Data: NotificationRefPayload{NotificationID: id, Timestamp: at}}
}

// NotificationDeletedEvent builds NOTIFICATION_DELETED.
func NotificationDeletedEvent(id uuid.UUID, at time.Time) Event {
	return Event{Name: EventNotificationDeleted, Data: NotificationRefPayload{NotificationID: id, Timestamp: at}}
}

// UnreadCountEvent builds UNREAD_COUNT_UPDATED.
func UnreadCountEvent(count int64, at time.Time) Event {
	return Event{Name: EventUnreadCountUpdated, Data: UnreadCountPayload{Count: count, Timestamp: at}}
}

func errorEvent(message string) Event {
	return Event{Name: EventError, Data: ErrorPayload{Message: message}}
}
