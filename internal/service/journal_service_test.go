package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

type memoryRepo struct {
	mu        sync.Mutex
	events    []*model.DeviceEvent
	createErr error
	cutoff    time.Time
}

func (r *memoryRepo) Create(_ context.Context, e *model.DeviceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.events = append(r.events, e)
	return nil
}

func (r *memoryRepo) ListRecent(context.Context, int) ([]*model.DeviceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.DeviceEvent(nil), r.events...), nil
}

func (r *memoryRepo) ListByPort(_ context.Context, port string, _ int) ([]*model.DeviceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DeviceEvent
	for _, e := range r.events {
		if e.PortPath == port {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteOlderThan(_ context.Context, t time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoff = t
	var kept []*model.DeviceEvent
	var deleted int64
	for _, e := range r.events {
		if e.Timestamp.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return deleted, nil
}

func TestJournalService_SkipsMessagesByDefault(t *testing.T) {
	repo := &memoryRepo{}
	js := NewJournalService(repo, false, 0, zap.NewNop())

	events := make(chan *model.DeviceEvent, 4)
	events <- model.NewDeviceEvent(model.EventDeviceAttached, "COM3", "test")
	events <- model.NewDeviceEvent(model.EventDeviceMessage, "COM3", "test")
	events <- model.NewDeviceEvent(model.EventDeviceDetached, "COM3", "test")
	close(events)

	js.Run(context.Background(), events)

	got, _ := repo.ListRecent(context.Background(), 0)
	if len(got) != 2 {
		t.Fatalf("journaled %d events, want 2", len(got))
	}
	for _, e := range got {
		if e.EventType == model.EventDeviceMessage {
			t.Error("device.message journaled with journal_messages off")
		}
	}
	if s := js.Stats(); s.Written != 2 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestJournalService_JournalsMessagesWhenEnabled(t *testing.T) {
	repo := &memoryRepo{}
	js := NewJournalService(repo, true, 0, zap.NewNop())

	js.Record(context.Background(), model.NewDeviceEvent(model.EventDeviceMessage, "COM3", "test"))

	if got, _ := repo.ListByPort(context.Background(), "COM3", 0); len(got) != 1 {
		t.Errorf("journaled %d events, want 1", len(got))
	}
}

func TestJournalService_CountsFailures(t *testing.T) {
	repo := &memoryRepo{createErr: errors.New("connection refused")}
	js := NewJournalService(repo, false, 0, zap.NewNop())

	js.Record(context.Background(), model.NewDeviceEvent(model.EventDeviceError, "COM3", "test"))

	if s := js.Stats(); s.Failed != 1 || s.Written != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestJournalService_CleanupUsesRetention(t *testing.T) {
	repo := &memoryRepo{}
	old := model.NewDeviceEvent(model.EventDeviceAttached, "COM3", "test")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	fresh := model.NewDeviceEvent(model.EventDeviceAttached, "COM4", "test")
	repo.events = []*model.DeviceEvent{old, fresh}

	js := NewJournalService(repo, false, 24*time.Hour, zap.NewNop())
	deleted, err := js.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if age := time.Since(repo.cutoff); age < 23*time.Hour || age > 25*time.Hour {
		t.Errorf("cutoff %v is not ~24h ago", repo.cutoff)
	}
}

func TestJournalService_RetentionDisabledReturnsImmediately(t *testing.T) {
	js := NewJournalService(&memoryRepo{}, false, 0, zap.NewNop())

	done := make(chan struct{})
	go func() {
		js.RunRetention(context.Background(), time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention with zero retention did not return")
	}
}
