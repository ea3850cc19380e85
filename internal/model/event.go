// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceAttached   EventType = "device.attached"
	EventDeviceDetached   EventType = "device.detached"
	EventDeviceMessage    EventType = "device.message"
	EventDeviceError      EventType = "device.error"
	EventDeviceStopped    EventType = "device.stopped"
	EventPortUnrecognized EventType = "port.unrecognized"
	EventAllTypes         EventType = "*"
)

// Severity levels used in the event journal
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// DeviceEvent represents an event in the system
type DeviceEvent struct {
	ID         uuid.UUID  `json:"id"`
	EventType  EventType  `json:"event_type"`
	PortPath   string     `json:"port_path"`
	DeviceType DeviceType `json:"device_type,omitempty"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Data       JSONObject `json:"data,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	Severity   string     `json:"severity"`
}

// NewDeviceEvent builds an event stamped now with a fresh ID.
func NewDeviceEvent(eventType EventType, portPath string, source string) *DeviceEvent {
	return &DeviceEvent{
		ID:        uuid.New(),
		EventType: eventType,
		PortPath:  portPath,
		Data:      JSONObject{},
		Timestamp: time.Now(),
		Source:    source,
		Severity:  severityFor(eventType),
	}
}

func severityFor(eventType EventType) string {
	switch eventType {
	case EventDeviceError:
		return SeverityError
	case EventDeviceDetached, EventPortUnrecognized:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
