// internal/repository/event_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-device-service/internal/database"
	"lab-device-service/internal/model"
)

const eventColumns = `id, event_type, port_path, device_type, session_id, data, source, severity, occurred_at`

// eventRepository implements EventRepository on postgres
type eventRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *database.DB, logger *zap.Logger) EventRepository {
	return &eventRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores one event
func (r *eventRepository) Create(ctx context.Context, event *model.DeviceEvent) error {
	query := `
		INSERT INTO device_events (` + eventColumns + `)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	data := event.Data
	if data == nil {
		data = model.JSONObject{}
	}

	_, err := r.db.ExecContext(ctx, query,
		event.ID, string(event.EventType), event.PortPath, string(event.DeviceType),
		event.SessionID, data, event.Source, event.Severity, event.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to create event",
			zap.Error(err),
			zap.String("event_type", string(event.EventType)),
			zap.String("port", event.PortPath),
		)
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// ListRecent returns the newest events across all ports
func (r *eventRepository) ListRecent(ctx context.Context, limit int) ([]*model.DeviceEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM device_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	return r.query(ctx, query, ClampLimit(limit))
}

// ListByPort returns the newest events for one port
func (r *eventRepository) ListByPort(ctx context.Context, portPath string, limit int) ([]*model.DeviceEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM device_events
		WHERE port_path = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	return r.query(ctx, query, portPath, ClampLimit(limit))
}

// DeleteOlderThan removes events that occurred before olderThan
func (r *eventRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_events WHERE occurred_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return deleted, nil
}

func (r *eventRepository) query(ctx context.Context, query string, args ...interface{}) ([]*model.DeviceEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*model.DeviceEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

func scanEvent(rows *sql.Rows) (*model.DeviceEvent, error) {
	var (
		event      model.DeviceEvent
		eventType  string
		deviceType sql.NullString
		sessionID  uuid.NullUUID
	)

	err := rows.Scan(
		&event.ID, &eventType, &event.PortPath, &deviceType, &sessionID,
		&event.Data, &event.Source, &event.Severity, &event.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.EventType = model.EventType(eventType)
	if deviceType.Valid {
		event.DeviceType = model.DeviceType(deviceType.String)
	}
	if sessionID.Valid {
		id := sessionID.UUID
		event.SessionID = &id
	}
	return &event, nil
}
