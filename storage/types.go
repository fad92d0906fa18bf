package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EventType names one kind of server event.
type EventType string

const (
	EventStarting            EventType = "STARTING"
	EventStarted             EventType = "STARTED"
	EventListening           EventType = "LISTENING"
	EventAttemptedConnection EventType = "ATTEMPTED_CONNECTION"
	EventNewClient           EventType = "NEW_CLIENT"
	EventActiveClients       EventType = "ACTIVE_CLIENTS"
	EventClientDisconnected  EventType = "CLIENT_DISCONNECTED"
	EventMessageReceived     EventType = "MESSAGE_RECEIVED"
	EventMessageDispatched   EventType = "MESSAGE_DISPATCHED"
	EventMessageDelivered    EventType = "MESSAGED_DELIVERED"
	EventMissingMessage      EventType = "MISSING_MESSAGE"
	EventShuttingDown        EventType = "SHUTTING_DOWN"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventStarting,
	EventStarted,
	EventListening,
	EventAttemptedConnection,
	EventNewClient,
	EventActiveClients,
	EventClientDisconnected,
	EventMessageReceived,
	EventMessageDispatched,
	EventMessageDelivered,
	EventMissingMessage,
	EventShuttingDown,
}

// Event is one journal row.
type Event struct {
	ID         string
	Type       EventType
	RemoteAddr *string
	ClientName *string
	MessageID  *string
	// Details is JSON text.
	Details   string
	Timestamp int64
}

// EventFilter narrows GetEvents query results.
type EventFilter struct {
	Type          EventType
	ClientName    string
	MessageID     string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateEventType(eventType EventType) error {
	for _, known := range EventTypes {
		if eventType == known {
			return nil
		}
	}
	return fmt.Errorf("invalid event type %q", eventType)
}

// Str returns a pointer to s, or nil for an empty string.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
