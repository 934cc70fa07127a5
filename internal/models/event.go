package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	Broker string `json:"broker" db:"broker"`
	Device string `json:"device" db:"device"`
	Remote string `json:"remote,omitempty" db:"remote"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session events
	EventTypeDeviceOnline   EventType = "DEVICE_ONLINE"
	EventTypeDeviceOffline  EventType = "DEVICE_OFFLINE"
	EventTypeConfigStarted  EventType = "CONFIG_STARTED"
	EventTypeConfigFinished EventType = "CONFIG_FINISHED"
	EventTypeAddressChanged EventType = "ADDRESS_CHANGED"
	EventTypeDesync         EventType = "DESYNC"

	// System events
	EventTypeIntegration EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// LevelFor 会话事件的默认级别
func LevelFor(t EventType) EventLevel {
	switch t {
	case EventTypeDesync:
		return EventLevelWarning
	case EventTypeAddressChanged, EventTypeConfigStarted:
		return EventLevelDebug
	default:
		return EventLevelInfo
	}
}
