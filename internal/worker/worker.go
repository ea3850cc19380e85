// 📁 internal/worker/worker.go - Serial Port Worker
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

var (
	// ErrAlreadyStarted is returned by Start on a worker that has run before.
	ErrAlreadyStarted = errors.New("port worker already started")
	// ErrWorkerClosed is returned by Start after cleanup.
	ErrWorkerClosed = errors.New("port worker closed")
	// ErrDecode marks a line that is not valid UTF-8.
	ErrDecode = errors.New("line is not valid UTF-8")
	// ErrStopTimeout is returned by Stop when the read loop did not exit in
	// time and the port had to be closed underneath it.
	ErrStopTimeout = errors.New("port worker stop timed out")
	// ErrCleanupOnError is reported when Cleanup(true) is called by an owner
	// without a read error having occurred.
	ErrCleanupOnError = errors.New("port worker cleaned up on error")
)

const (
	DefaultPollInterval = 5 * time.Millisecond
	DefaultStopTimeout  = 2 * time.Second
)

// Port is the serial handle a worker owns. PollReadable reports whether a
// full line can be read without blocking; implementations may wait briefly.
type Port interface {
	PollReadable() (bool, error)
	ReadLine() (string, error)
	Write(p []byte) (int, error)
	Close() error
	IsOpen() bool
}

// Observer receives worker notifications. OnMessage is called from the read
// loop; OnError and OnCleanup are each called at most once.
type Observer interface {
	OnMessage(msg model.Message)
	OnError(err error)
	OnCleanup()
}

// State is the worker lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a PortWorker. Zero values pick defaults.
type Options struct {
	PollInterval time.Duration
	StopTimeout  time.Duration
	Observer     Observer
	Logger       *zap.Logger
	// Now stamps incoming lines; tests substitute a fake clock.
	Now func() time.Time
}

// Stats is a snapshot of worker counters.
type Stats struct {
	State         State
	MessagesRead  int64
	LastMessageAt time.Time
	StartedAt     time.Time
	LastError     error
}

// PortWorker drains one serial port into a queue. It is single use.
type PortWorker struct {
	port     Port
	queue    *Queue
	signals  Signals
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	pollInterval time.Duration
	stopTimeout  time.Duration

	state     atomic.Int32
	cleaning  atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	// serializes writes only; never held while closing
	writeMu sync.Mutex

	read      atomic.Int64
	lastMsgAt atomic.Time
	startedAt atomic.Time
	lastErr   atomic.Error
}

// New creates a worker over an already open port. The queue and signals
// belong to the caller; the worker only produces into them.
func New(port Port, queue *Queue, signals Signals, opts Options) *PortWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &PortWorker{
		port:         port,
		queue:        queue,
		signals:      signals,
		observer:     opts.Observer,
		logger:       opts.Logger.With(zap.String("component", "port_worker")),
		now:          opts.Now,
		pollInterval: opts.PollInterval,
		stopTimeout:  opts.StopTimeout,
		stopCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
}

// Start launches the read loop on its own goroutine.
func (w *PortWorker) Start() error {
	if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if w.State() == StateClosed {
			return ErrWorkerClosed
		}
		return ErrAlreadyStarted
	}
	w.startedAt.Store(w.now())
	go w.readLoop()
	w.logger.Debug("Read loop started")
	return nil
}

func (w *PortWorker) readLoop() {
	defer close(w.loopDone)

	idle := time.NewTimer(w.pollInterval)
	defer idle.Stop()

	var last time.Time
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		ready, err := w.port.PollReadable()
		if err != nil {
			w.fail(fmt.Errorf("poll port: %w", err))
			return
		}
		if !ready {
			idle.Reset(w.pollInterval)
			select {
			case <-w.stopCh:
				return
			case <-idle.C:
			}
			continue
		}

		line, err := w.port.ReadLine()
		if err != nil {
			w.fail(fmt.Errorf("read line: %w", err))
			return
		}
		if !utf8.ValidString(line) {
			w.fail(fmt.Errorf("%w: %q", ErrDecode, line))
			return
		}

		// Wall clock can step backwards; keep per-device stamps monotonic.
		ts := w.now()
		if ts.Before(last) {
			ts = last
		}
		last = ts

		msg := model.Message{Line: line, Timestamp: ts}
		w.queue.Push(msg)
		w.read.Inc()
		w.lastMsgAt.Store(ts)
		w.signals.NewMessage.Set()
		w.observer.OnMessage(msg)
	}
}

// fail runs the error path from inside the read loop. Errors caused by a
// requested stop closing the port are not failures.
func (w *PortWorker) fail(err error) {
	if w.stopRequested() || w.cleaning.Load() {
		return
	}
	w.lastErr.Store(err)
	w.logger.Warn("Read loop failed", zap.Error(err))
	w.cleanup(err)
}

// Send writes text to the port. On a closed worker or port it is a silent
// no-op. Write failures on an open port are returned.
func (w *PortWorker) Send(text string) error {
	if w.State() == StateClosed || !w.port.IsOpen() {
		return nil
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.port.Write([]byte(text)); err != nil {
		if w.State() == StateClosed {
			// closed underneath us
			return nil
		}
		return fmt.Errorf("write port: %w", err)
	}
	return nil
}

// Cleanup stops the read loop, waits up to the stop timeout for it, closes
// the port and signals. It is idempotent. With failed=false the
// cleanup-complete signal fires; with failed=true only the error signal does.
func (w *PortWorker) Cleanup(failed bool) {
	var err error
	if failed {
		err = w.LastError()
		if err == nil {
			err = ErrCleanupOnError
		}
	}
	w.requestStop()
	w.awaitLoop(context.Background())
	w.cleanup(err)
}

// Stop is the graceful shutdown path. If the read loop does not exit
// within the stop timeout (or ctx ends first) the port is force-closed and
// ErrStopTimeout is returned; cleanup-complete still fires.
func (w *PortWorker) Stop(ctx context.Context) error {
	if w.State() == StateClosed {
		return nil
	}
	w.requestStop()
	exited := w.awaitLoop(ctx)
	w.cleanup(nil)
	if !exited {
		w.logger.Warn("Read loop did not exit in time, port force-closed",
			zap.Duration("stop_timeout", w.stopTimeout),
		)
		return ErrStopTimeout
	}
	return nil
}

func (w *PortWorker) requestStop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stopCh)
	})
}

func (w *PortWorker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// awaitLoop waits for the read loop to exit. It reports true when the loop
// has exited or was never started.
func (w *PortWorker) awaitLoop(ctx context.Context) bool {
	if w.startedAt.Load().IsZero() {
		return true
	}
	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case <-w.loopDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// cleanup closes the port once and fires exactly one terminal signal.
func (w *PortWorker) cleanup(cause error) {
	if !w.cleaning.CompareAndSwap(false, true) {
		return
	}
	if w.State() != StateClosed {
		w.state.Store(int32(StateStopping))
	}
	w.requestStop()
	w.closePort()
	w.state.Store(int32(StateClosed))

	if cause != nil {
		w.signals.Error.Set()
		w.observer.OnError(cause)
		return
	}
	w.signals.CleanupComplete.Set()
	w.observer.OnCleanup()
}

func (w *PortWorker) closePort() {
	w.closeOnce.Do(func() {
		if err := w.port.Close(); err != nil {
			w.logger.Warn("Failed to close port", zap.Error(err))
		}
	})
}

// State returns the current lifecycle state.
func (w *PortWorker) State() State {
	return State(w.state.Load())
}

// Done is closed once the read loop has exited. It never closes for a
// worker that was not started.
func (w *PortWorker) Done() <-chan struct{} {
	return w.loopDone
}

// LastError returns the error that ended the read loop, if any.
func (w *PortWorker) LastError() error {
	return w.lastErr.Load()
}

// Stats returns a snapshot of the worker counters.
func (w *PortWorker) Stats() Stats {
	return Stats{
		State:         w.State(),
		MessagesRead:  w.read.Load(),
		LastMessageAt: w.lastMsgAt.Load(),
		StartedAt:     w.startedAt.Load(),
		LastError:     w.LastError(),
	}
}

type nopObserver struct{}

func (nopObserver) OnMessage(model.Message) {}
func (nopObserver) OnError(error)           {}
func (nopObserver) OnCleanup()              {}
