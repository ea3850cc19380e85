// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"lab-device-service/internal/model"
)

// DefaultListLimit caps listing queries when the caller passes no limit
const DefaultListLimit = 100

// MaxListLimit is the largest page a listing query returns
const MaxListLimit = 1000

// EventRepository defines access to the device event journal
type EventRepository interface {
	Create(ctx context.Context, event *model.DeviceEvent) error

	// Listing, newest first
	ListRecent(ctx context.Context, limit int) ([]*model.DeviceEvent, error)
	ListByPort(ctx context.Context, portPath string, limit int) ([]*model.DeviceEvent, error)

	// Cleanup
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
