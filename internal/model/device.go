// internal/model/device.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceType names a kind of lab peripheral, e.g. "VOG" or "DRT".
type DeviceType string

const (
	DeviceTypeVOG DeviceType = "VOG"
	DeviceTypeDRT DeviceType = "DRT"
	DeviceTypeGPS DeviceType = "GPS"
)

// DeviceStatus represents the current status of an attached device
type DeviceStatus string

const (
	DeviceStatusConnecting DeviceStatus = "CONNECTING"
	DeviceStatusOnline     DeviceStatus = "ONLINE"
	DeviceStatusStopping   DeviceStatus = "STOPPING"
	DeviceStatusOffline    DeviceStatus = "OFFLINE"
	DeviceStatusError      DeviceStatus = "ERROR"
)

// USBID is a USB vendor or product identifier.
type USBID uint16

// String formats the ID the way USB tooling does (lowercase, 4 hex digits).
func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// RegistryEntry is one static device fingerprint.
type RegistryEntry struct {
	DeviceType DeviceType `json:"device_type"`
	VendorID   USBID      `json:"vendor_id"`
	ProductID  USBID      `json:"product_id"`
	BaudRate   int        `json:"baud_rate,omitempty"`
}

// KnownPort is a serial port observed by the OS enumeration.
type KnownPort struct {
	Path      string `json:"path"`
	VendorID  USBID  `json:"vendor_id"`
	ProductID USBID  `json:"product_id"`
	IsUSB     bool   `json:"is_usb"`
	Serial    string `json:"serial_number,omitempty"`
}

// Identity is the key used to diff port sets between scans. A port that keeps
// its path but changes VID/PID is a different port.
func (p KnownPort) Identity() string {
	return fmt.Sprintf("%s|%s:%s", p.Path, p.VendorID, p.ProductID)
}

// AttachedDevice maps a port path to its recognized device type.
type AttachedDevice struct {
	PortPath   string     `json:"port_path"`
	DeviceType DeviceType `json:"device_type"`
}

// Message is one decoded line read from a device, stamped on arrival.
type Message struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceInfo is the public view of an attached device and its worker.
type DeviceInfo struct {
	PortPath        string       `json:"port_path"`
	DeviceType      DeviceType   `json:"device_type"`
	SessionID       uuid.UUID    `json:"session_id"`
	Status          DeviceStatus `json:"status"`
	AttachedAt      time.Time    `json:"attached_at"`
	LastMessageAt   *time.Time   `json:"last_message_at,omitempty"`
	MessagesRead    int64        `json:"messages_read"`
	MessagesDropped int64        `json:"messages_dropped"`
	QueueLength     int          `json:"queue_length"`
}

// USBDevice is one entry of the raw USB bus inventory.
type USBDevice struct {
	Bus           int        `json:"bus"`
	Address       int        `json:"address"`
	Port          int        `json:"port"`
	VendorID      USBID      `json:"vendor_id"`
	ProductID     USBID      `json:"product_id"`
	Class         string     `json:"class"`
	USBVersion    string     `json:"usb_version"`
	DeviceVersion string     `json:"device_version"`
	Manufacturer  string     `json:"manufacturer,omitempty"`
	Product       string     `json:"product,omitempty"`
	Serial        string     `json:"serial_number,omitempty"`
	DeviceType    DeviceType `json:"device_type,omitempty"`
	Recognized    bool       `json:"recognized"`
}

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONObject", value)
	}
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}
