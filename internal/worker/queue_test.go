package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"lab-device-service/internal/model"
)

func msg(s string) model.Message {
	return model.Message{Line: s, Timestamp: time.Now()}
}

func lines(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Line
	}
	return out
}

func TestQueue_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      OverflowPolicy
		want        []string
		wantDropped int64
		lastAccept  bool
	}{
		{name: "drop oldest", policy: DropOldest, want: []string{"c", "d", "e"}, wantDropped: 2, lastAccept: true},
		{name: "reject newest", policy: RejectNewest, want: []string{"a", "b", "c"}, wantDropped: 2, lastAccept: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(3, tt.policy)
			var accepted bool
			for _, s := range []string{"a", "b", "c", "d", "e"} {
				accepted = q.Push(msg(s))
			}
			if accepted != tt.lastAccept {
				t.Errorf("last Push = %v, want %v", accepted, tt.lastAccept)
			}
			if q.Dropped() != tt.wantDropped {
				t.Errorf("Dropped = %d, want %d", q.Dropped(), tt.wantDropped)
			}
			got := lines(q.Drain(0))
			if len(got) != len(tt.want) {
				t.Fatalf("drained %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("drained %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestQueue_PopAndDrainWrapAround(t *testing.T) {
	q := NewQueue(2, DropOldest)
	q.Push(msg("1"))
	q.Push(msg("2"))
	if m, ok := q.Pop(); !ok || m.Line != "1" {
		t.Fatalf("Pop = %q, %v", m.Line, ok)
	}
	q.Push(msg("3"))

	got := lines(q.Drain(1))
	if len(got) != 1 || got[0] != "2" {
		t.Errorf("Drain(1) = %v", got)
	}
	if m, ok := q.Pop(); !ok || m.Line != "3" {
		t.Errorf("Pop = %q, %v", m.Line, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue succeeded")
	}
}

func TestQueue_WaitWakesOnPushAndClose(t *testing.T) {
	q := NewQueue(4, DropOldest)

	done := make(chan error, 1)
	go func() { done <- q.Wait(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	q.Push(msg("x"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on push")
	}

	q.Drain(0)
	q.Close()
	if err := q.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Wait on closed empty queue = %v", err)
	}
	if q.Push(msg("late")) {
		t.Error("Push after Close accepted")
	}
}

func TestQueue_WaitHonorsContext(t *testing.T) {
	q := NewQueue(1, DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	if p, err := ParseOverflowPolicy("reject-newest"); err != nil || p != RejectNewest {
		t.Errorf("reject-newest -> %v, %v", p, err)
	}
	if _, err := ParseOverflowPolicy("block"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestSignal_FireOnceUntilReset(t *testing.T) {
	s := NewSignal()
	done := s.Done()

	if !s.Set() {
		t.Error("first Set reported no change")
	}
	if s.Set() {
		t.Error("second Set reported a change")
	}
	select {
	case <-done:
	default:
		t.Error("Done not closed after Set")
	}

	s.Reset()
	if s.IsSet() {
		t.Error("IsSet after Reset")
	}
	select {
	case <-s.Done():
		t.Error("new Done channel already closed")
	default:
	}

	s.Set()
	if s.Fires() != 2 {
		t.Errorf("Fires = %d, want 2", s.Fires())
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("Wait on set signal = %v", err)
	}
}
