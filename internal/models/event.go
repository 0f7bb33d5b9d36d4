package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`
	NodeID   *uint8     `json:"nodeId,omitempty" db:"node_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Device events
	EventTypeInfo             EventType = "INFO"
	EventTypeNodeIDAssigned   EventType = "NODE_ID_ASSIGNED"
	EventTypeError            EventType = "ERROR"
	EventTypeAssocConfirmed   EventType = "ASSOC_CONFIRMED"
	EventTypeAssocReset       EventType = "ASSOC_RESET"
	EventTypeDeviceRemoved    EventType = "DEVICE_REMOVED"
	EventTypeNodeUnreachable  EventType = "NODE_UNREACHABLE"
	EventTypePollPeriodChange EventType = "POLL_PERIOD_CHANGED"

	// Gateway events
	EventTypeHostConfirmed EventType = "HOST_CONFIRMED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewDeviceEvent builds an event bound to a device and its node
func NewDeviceEvent(t EventType, level EventLevel, deviceID uuid.UUID, nodeID uint8, description string) *EventLog {
	ev := &EventLog{
		Type:        t,
		Level:       level,
		Description: description,
		NodeID:      &nodeID,
	}
	if deviceID != uuid.Nil {
		id := deviceID
		ev.DeviceID = &id
	}
	return ev
}
