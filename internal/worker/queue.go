// internal/worker/queue.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"lab-device-service/internal/model"
)

// ErrQueueClosed is returned by Wait once a closed queue has been drained.
var ErrQueueClosed = errors.New("message queue closed")

// OverflowPolicy decides what a full queue does with a new message.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room; readers always see the newest data.
	DropOldest OverflowPolicy = iota
	// RejectNewest discards the incoming message.
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy maps the config string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, nil
	case "reject-newest":
		return RejectNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is a bounded FIFO of device messages with one producer (the port
// worker) and one consumer.
type Queue struct {
	mu     sync.Mutex
	buf    []model.Message
	head   int
	count  int
	policy OverflowPolicy
	closed bool

	// notify holds at most one pending wakeup for the consumer.
	notify  chan struct{}
	dropped atomic.Int64
	pushed  atomic.Int64
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]model.Message, capacity),
		policy: policy,
		notify: make(chan struct{}, 1),
	}
}

// Push appends msg. It returns false when msg itself was discarded, either
// because the queue is closed or because of RejectNewest. Under DropOldest
// the evicted head is counted in Dropped and Push returns true.
func (q *Queue) Push(msg model.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropped.Inc()
		return false
	}

	if q.count == len(q.buf) {
		if q.policy == RejectNewest {
			q.mu.Unlock()
			q.dropped.Inc()
			return false
		}
		q.buf[q.head] = model.Message{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped.Inc()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = msg
	q.count++
	q.mu.Unlock()

	q.pushed.Inc()
	q.wake()
	return true
}

// Pop removes the head message.
func (q *Queue) Pop() (model.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return model.Message{}, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = model.Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return msg, true
}

// Drain pops up to max messages (all when max <= 0) in FIFO order.
func (q *Queue) Drain(max int) []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]model.Message, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = model.Message{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	return out
}

// Wait blocks until at least one message is queued. It returns
// ErrQueueClosed when the queue is closed and empty.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		count, closed := q.count, q.closed
		q.mu.Unlock()

		if count > 0 {
			return nil
		}
		if closed {
			return ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting messages. Queued messages remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many messages were discarded by the overflow policy
// or by pushes after Close.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Pushed returns how many messages were accepted.
func (q *Queue) Pushed() int64 {
	return q.pushed.Load()
}

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}
