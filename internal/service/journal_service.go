// internal/service/journal_service.go
package service

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
	"lab-device-service/internal/repository"
	"lab-device-service/internal/utils"
)

const journalWriteTimeout = 5 * time.Second

// JournalService persists bus events to the event repository.
type JournalService struct {
	repo            repository.EventRepository
	journalMessages bool
	retention       time.Duration
	logger          *utils.ServiceLogger

	written atomic.Int64
	failed  atomic.Int64
}

// JournalStats counts journal writes.
type JournalStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// NewJournalService creates a journal writer. device.message events are
// skipped unless journalMessages is set, since they arrive at line rate.
func NewJournalService(repo repository.EventRepository, journalMessages bool, retention time.Duration, logger *zap.Logger) *JournalService {
	return &JournalService{
		repo:            repo,
		journalMessages: journalMessages,
		retention:       retention,
		logger:          utils.NewServiceLogger(logger, "journal-service"),
	}
}

// Run writes events until the channel closes or ctx is done.
func (js *JournalService) Run(ctx context.Context, events <-chan *model.DeviceEvent) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			js.Record(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// Record writes one event, honoring the message filter.
func (js *JournalService) Record(ctx context.Context, event *model.DeviceEvent) {
	if event.EventType == model.EventDeviceMessage && !js.journalMessages {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()

	if err := js.repo.Create(writeCtx, event); err != nil {
		js.failed.Inc()
		js.logger.Warn("Failed to journal event",
			zap.String("event_type", string(event.EventType)),
			zap.String("port", event.PortPath),
			zap.Error(err),
		)
		return
	}
	js.written.Inc()
}

// RunRetention deletes events older than the retention window on every
// tick. A zero retention keeps everything.
func (js *JournalService) RunRetention(ctx context.Context, interval time.Duration) {
	if js.retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	js.logger.Info("Journal retention started",
		zap.Duration("retention", js.retention),
		zap.Duration("interval", interval),
	)

	for {
		select {
		case <-ticker.C:
			js.Cleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Cleanup runs one retention pass.
func (js *JournalService) Cleanup(ctx context.Context) (int64, error) {
	cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := js.repo.DeleteOlderThan(cleanupCtx, time.Now().Add(-js.retention))
	if err != nil {
		js.logger.Error("Failed to clean up old events", zap.Error(err))
		return 0, err
	}
	if deleted > 0 {
		js.logger.Info("Cleaned up old events", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Stats returns write counters.
func (js *JournalService) Stats() JournalStats {
	return JournalStats{Written: js.written.Load(), Failed: js.failed.Load()}
}
