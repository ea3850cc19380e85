// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/discovery"
	"lab-device-service/internal/model"
	"lab-device-service/internal/protocol"
	"lab-device-service/internal/utils"
	"lab-device-service/internal/worker"
)

const eventSource = "device-service"

var (
	// ErrDeviceNotAttached is returned for a port with no live worker.
	ErrDeviceNotAttached = errors.New("device not attached")
	// ErrWorkerExists is logged when an attach arrives for a port that
	// already has a worker.
	ErrWorkerExists = errors.New("worker already exists for port")
	// ErrServiceClosed is returned after Shutdown.
	ErrServiceClosed = errors.New("device service is shut down")

	errOpenCancelled = errors.New("stop requested while opening")
)

// EventPublisher receives every device event the service produces.
type EventPublisher interface {
	Publish(event *model.DeviceEvent)
}

// DeviceService turns scanner notifications into running port workers and
// forwards their output as events. It implements discovery.Listener.
//
// Listener callbacks only touch the slot table. Opening and stopping a port
// happen on the slot's own goroutine, so a stuck driver never holds up the
// scanner.
type DeviceService struct {
	registry  *discovery.Registry
	opener    protocol.Opener
	publisher EventPublisher
	config    *config.Config
	policy    worker.OverflowPolicy
	logger    *utils.ServiceLogger

	mu      sync.RWMutex
	devices map[string]*deviceSlot
	// failed holds slots released by a read error until the scanner
	// reports the port gone.
	failed  map[string]*deviceSlot
	// tails is the done channel of the newest lifecycle per port; a new
	// slot waits on it before opening.
	tails   map[string]chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	lifecycles sync.WaitGroup
	consumers  sync.WaitGroup
	closed     atomic.Bool
}

const (
	stopDetached = "detached"
	stopShutdown = "shutdown"
)

// deviceSlot is everything owned on behalf of one attached port.
type deviceSlot struct {
	portPath   string
	deviceType model.DeviceType
	sessionID  uuid.UUID
	attachedAt time.Time
	status     atomic.String

	// worker and queue are set once the port is open
	mu       sync.RWMutex
	worker   *worker.PortWorker
	queue    *worker.Queue
	signals  worker.Signals
	log      *utils.DeviceLogger
	consumed chan struct{}

	// lifeMu orders the attached announcement against a stop request.
	lifeMu     sync.Mutex
	stopReq    chan struct{}
	stopReason string
	announced  bool

	prev <-chan struct{}
	done chan struct{}
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	registry *discovery.Registry,
	opener protocol.Opener,
	publisher EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *DeviceService {
	serviceLogger := utils.NewServiceLogger(logger, "device-service")

	policy, err := worker.ParseOverflowPolicy(cfg.Worker.OverflowPolicy)
	if err != nil {
		serviceLogger.Warn("Invalid overflow policy, using drop-oldest", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceService{
		registry:  registry,
		opener:    opener,
		publisher: publisher,
		config:    cfg,
		policy:    policy,
		logger:    serviceLogger,
		devices:   make(map[string]*deviceSlot),
		failed:    make(map[string]*deviceSlot),
		tails:     make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnAttach reserves the port and hands the open to a per-slot goroutine.
// At most one worker exists per port; a duplicate attach is logged and
// ignored.
func (ds *DeviceService) OnAttach(ev discovery.AttachEvent) {
	slot := &deviceSlot{
		portPath:   ev.PortPath,
		deviceType: ev.DeviceType,
		sessionID:  uuid.New(),
		attachedAt: time.Now(),
		signals:    worker.NewSignals(),
		consumed:   make(chan struct{}),
		stopReq:    make(chan struct{}),
		done:       make(chan struct{}),
		log:        utils.NewDeviceLogger(ds.logger.Logger, ev.PortPath, string(ev.DeviceType)),
	}
	slot.status.Store(string(model.DeviceStatusConnecting))

	ds.mu.Lock()
	if ds.closed.Load() {
		ds.mu.Unlock()
		return
	}
	if _, exists := ds.devices[ev.PortPath]; exists {
		ds.mu.Unlock()
		slot.log.Warn("Ignoring attach", zap.Error(ErrWorkerExists))
		return
	}
	delete(ds.failed, ev.PortPath)
	slot.prev = ds.tails[ev.PortPath]
	ds.tails[ev.PortPath] = slot.done
	ds.devices[ev.PortPath] = slot
	ds.lifecycles.Add(1)
	ds.mu.Unlock()

	go ds.run(slot)
}

// run owns a slot from open to stop. It waits for the previous lifecycle on
// the same port so a detach followed by an attach cannot race on the device.
func (ds *DeviceService) run(slot *deviceSlot) {
	defer ds.lifecycles.Done()
	defer ds.retire(slot)

	if slot.prev != nil {
		select {
		case <-slot.prev:
		case <-slot.stopReq:
			return
		}
	}
	if slot.stopRequested() {
		return
	}

	if err := ds.startWorker(slot); err != nil {
		if errors.Is(err, errOpenCancelled) {
			slot.log.Info("Port opened after stop request, closed again")
			return
		}
		slot.log.LogConnection("open", false, err)
		ds.release(slot)
		ds.publish(slot, model.EventDeviceError, model.JSONObject{
			"stage": "open",
			"error": err.Error(),
		})
		return
	}
	slot.log.LogConnection("open", true, nil)

	w, _ := slot.handles()
	select {
	case <-slot.stopReq:
		ds.stopSlot(slot, slot.reason())
	case <-w.Done():
		// Read error; the observer already released the slot.
		<-slot.consumed
	}
	if slot.reason() == stopDetached {
		ds.publish(slot, model.EventDeviceDetached, ds.slotCounters(slot))
	}
}

// announce publishes device.attached unless a stop was requested while the
// port was opening.
func (ds *DeviceService) announce(slot *deviceSlot, data model.JSONObject) bool {
	slot.lifeMu.Lock()
	defer slot.lifeMu.Unlock()
	if slot.stopReason != "" {
		return false
	}
	slot.announced = true
	ds.publish(slot, model.EventDeviceAttached, data)
	return true
}

// retire marks the slot's lifecycle finished for the next one on its port.
func (ds *DeviceService) retire(slot *deviceSlot) {
	ds.mu.Lock()
	if ds.tails[slot.portPath] == slot.done {
		delete(ds.tails, slot.portPath)
	}
	ds.mu.Unlock()
	close(slot.done)
}

func (ds *DeviceService) startWorker(slot *deviceSlot) error {
	entry, ok := ds.registry.Entry(slot.deviceType)
	if !ok {
		return fmt.Errorf("device type %s is not registered", slot.deviceType)
	}

	serialCfg := protocol.NewSerialConfig(slot.portPath, ds.config.Serial, entry, ds.config.Worker.MaxLineBytes)
	port, err := ds.opener(serialCfg)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}

	queue := worker.NewQueue(ds.config.Worker.QueueCapacity, ds.policy)
	w := worker.New(port, queue, slot.signals, worker.Options{
		PollInterval: ds.config.Worker.PollInterval,
		StopTimeout:  ds.config.Worker.StopTimeout,
		Observer:     &slotObserver{service: ds, slot: slot},
		Logger:       slot.log.Logger,
	})

	// Announce before the read loop runs so attached precedes any message.
	if !ds.announce(slot, model.JSONObject{
		"queue_capacity":  queue.Cap(),
		"overflow_policy": queue.Policy().String(),
	}) {
		_ = port.Close()
		return errOpenCancelled
	}

	slot.mu.Lock()
	slot.worker, slot.queue = w, queue
	slot.mu.Unlock()

	if err := w.Start(); err != nil {
		close(slot.consumed)
		w.Cleanup(false)
		return fmt.Errorf("failed to start worker: %w", err)
	}
	slot.status.Store(string(model.DeviceStatusOnline))

	ds.consumers.Add(1)
	go ds.consume(slot, queue)
	return nil
}

// consume is the single consumer of a slot's queue.
func (ds *DeviceService) consume(slot *deviceSlot, queue *worker.Queue) {
	defer ds.consumers.Done()
	defer close(slot.consumed)

	for {
		if err := queue.Wait(ds.ctx); err != nil {
			return
		}
		ds.drain(slot, queue)
	}
}

// drain publishes everything queued. The signal is reset first so a push
// landing mid-drain leaves it set.
func (ds *DeviceService) drain(slot *deviceSlot, queue *worker.Queue) {
	slot.signals.NewMessage.Reset()
	for _, msg := range queue.Drain(0) {
		ds.publishMessage(slot, msg)
	}
}

func (ds *DeviceService) publishMessage(slot *deviceSlot, msg model.Message) {
	event := ds.newEvent(slot, model.EventDeviceMessage)
	event.Timestamp = msg.Timestamp
	event.Data = model.JSONObject{
		"line":   msg.Line,
		"parsed": protocol.ParseLine(msg.Line),
	}
	ds.publisher.Publish(event)
}

// OnDetach asks the port's slot to stop. A port whose worker already failed
// gets its device.detached here; unrecognized ports are ignored.
func (ds *DeviceService) OnDetach(ev discovery.DetachEvent) {
	ds.mu.Lock()
	slot, ok := ds.devices[ev.PortPath]
	if ok {
		delete(ds.devices, ev.PortPath)
	}
	failed, wasFailed := ds.failed[ev.PortPath]
	if wasFailed {
		delete(ds.failed, ev.PortPath)
	}
	ds.mu.Unlock()

	switch {
	case ok:
		slot.requestStop(stopDetached)
	case wasFailed:
		ds.publish(failed, model.EventDeviceDetached, ds.slotCounters(failed))
	default:
		ds.logger.Debug("Detach for port without worker", zap.String("port", ev.PortPath))
	}
}

// OnUnrecognized surfaces ports the registry does not know, for diagnostics.
func (ds *DeviceService) OnUnrecognized(port model.KnownPort) {
	event := model.NewDeviceEvent(model.EventPortUnrecognized, port.Path, eventSource)
	event.Data = model.JSONObject{
		"vendor_id":  port.VendorID.String(),
		"product_id": port.ProductID.String(),
		"is_usb":     port.IsUSB,
	}
	ds.publisher.Publish(event)
}

func (ds *DeviceService) stopSlot(slot *deviceSlot, reason string) {
	slot.status.Store(string(model.DeviceStatusStopping))
	slot.log.Info("Stopping port worker", zap.String("reason", reason))

	if w, _ := slot.handles(); w != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ds.stopTimeout())
		err := w.Stop(ctx)
		cancel()
		if err != nil {
			slot.log.Warn("Port worker stop was forced", zap.Error(err))
		}
		<-slot.consumed
	}
	slot.status.Store(string(model.DeviceStatusOffline))
}

func (ds *DeviceService) stopTimeout() time.Duration {
	if ds.config.Worker.StopTimeout > 0 {
		// Leave the worker's own timeout room to fire first.
		return ds.config.Worker.StopTimeout * 2
	}
	return 2 * worker.DefaultStopTimeout
}

// release drops a slot from the table if it is still the current one.
func (ds *DeviceService) release(slot *deviceSlot) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if cur, ok := ds.devices[slot.portPath]; ok && cur == slot {
		delete(ds.devices, slot.portPath)
	}
}

// releaseFailed releases a slot whose worker died and remembers it, so the
// scanner's later detach still closes its lifecycle.
func (ds *DeviceService) releaseFailed(slot *deviceSlot) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if cur, ok := ds.devices[slot.portPath]; ok && cur == slot {
		delete(ds.devices, slot.portPath)
		if !ds.closed.Load() {
			ds.failed[slot.portPath] = slot
		}
	}
}

// Send writes text to the worker on portPath.
func (ds *DeviceService) Send(portPath, text string) error {
	if ds.closed.Load() {
		return ErrServiceClosed
	}

	ds.mu.RLock()
	slot, ok := ds.devices[portPath]
	ds.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotAttached, portPath)
	}
	w, _ := slot.handles()
	if w == nil || w.State() == worker.StateClosed {
		return fmt.Errorf("%w: %s", ErrDeviceNotAttached, portPath)
	}
	if err := w.Send(text); err != nil {
		return fmt.Errorf("send to %s: %w", portPath, err)
	}
	slot.log.Debug("Message sent", zap.Int("bytes", len(text)))
	return nil
}

// ListDevices returns all attached devices ordered by port path.
func (ds *DeviceService) ListDevices() []model.DeviceInfo {
	ds.mu.RLock()
	slots := make([]*deviceSlot, 0, len(ds.devices))
	for _, slot := range ds.devices {
		slots = append(slots, slot)
	}
	ds.mu.RUnlock()

	infos := make([]model.DeviceInfo, 0, len(slots))
	for _, slot := range slots {
		infos = append(infos, slot.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PortPath < infos[j].PortPath })
	return infos
}

// GetDevice returns one attached device.
func (ds *DeviceService) GetDevice(portPath string) (model.DeviceInfo, error) {
	ds.mu.RLock()
	slot, ok := ds.devices[portPath]
	ds.mu.RUnlock()
	if !ok {
		return model.DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotAttached, portPath)
	}
	return slot.info(), nil
}

// Shutdown stops every worker concurrently and waits for their lifecycles,
// including opens still in flight, and their consumers.
func (ds *DeviceService) Shutdown(ctx context.Context) error {
	ds.mu.Lock()
	if ds.closed.Load() {
		ds.mu.Unlock()
		return nil
	}
	ds.closed.Store(true)
	slots := make([]*deviceSlot, 0, len(ds.devices))
	for path, slot := range ds.devices {
		slots = append(slots, slot)
		delete(ds.devices, path)
	}
	ds.failed = make(map[string]*deviceSlot)
	ds.mu.Unlock()

	ds.logger.LogServiceStop(fmt.Sprintf("shutdown with %d attached devices", len(slots)))

	for _, slot := range slots {
		slot.requestStop(stopShutdown)
	}

	done := make(chan struct{})
	go func() {
		ds.lifecycles.Wait()
		ds.cancel()
		ds.consumers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		ds.cancel()
		return fmt.Errorf("device service shutdown: %w", ctx.Err())
	}
}

func (ds *DeviceService) newEvent(slot *deviceSlot, eventType model.EventType) *model.DeviceEvent {
	event := model.NewDeviceEvent(eventType, slot.portPath, eventSource)
	event.DeviceType = slot.deviceType
	sessionID := slot.sessionID
	event.SessionID = &sessionID
	return event
}

func (ds *DeviceService) publish(slot *deviceSlot, eventType model.EventType, data model.JSONObject) {
	event := ds.newEvent(slot, eventType)
	if data != nil {
		event.Data = data
	}
	ds.publisher.Publish(event)
}

func (ds *DeviceService) slotCounters(slot *deviceSlot) model.JSONObject {
	info := slot.info()
	return model.JSONObject{
		"messages_read":    info.MessagesRead,
		"messages_dropped": info.MessagesDropped,
		"uptime_seconds":   time.Since(slot.attachedAt).Seconds(),
	}
}

func (s *deviceSlot) requestStop(reason string) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopReason != "" {
		return
	}
	s.stopReason = reason
	close(s.stopReq)
}

func (s *deviceSlot) stopRequested() bool {
	select {
	case <-s.stopReq:
		return true
	default:
		return false
	}
}

func (s *deviceSlot) reason() string {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.stopReason
}

func (s *deviceSlot) wasAnnounced() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.announced
}

func (s *deviceSlot) handles() (*worker.PortWorker, *worker.Queue) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker, s.queue
}

func (s *deviceSlot) info() model.DeviceInfo {
	info := model.DeviceInfo{
		PortPath:   s.portPath,
		DeviceType: s.deviceType,
		SessionID:  s.sessionID,
		Status:     model.DeviceStatus(s.status.Load()),
		AttachedAt: s.attachedAt,
	}
	w, queue := s.handles()
	if w != nil {
		stats := w.Stats()
		info.MessagesRead = stats.MessagesRead
		if !stats.LastMessageAt.IsZero() {
			last := stats.LastMessageAt
			info.LastMessageAt = &last
		}
	}
	if queue != nil {
		info.MessagesDropped = queue.Dropped()
		info.QueueLength = queue.Len()
	}
	return info
}

// slotObserver relays worker notifications for one slot.
type slotObserver struct {
	service *DeviceService
	slot    *deviceSlot
}

func (o *slotObserver) OnMessage(model.Message) {}

// OnError releases the slot so the port can be attached again once the
// scanner sees it reappear.
func (o *slotObserver) OnError(err error) {
	s := o.slot
	s.status.Store(string(model.DeviceStatusError))
	w, queue := s.handles()
	queue.Close()
	o.service.releaseFailed(s)

	stats := w.Stats()
	s.log.LogWorkerStop(false, stats.MessagesRead, queue.Dropped(), time.Since(s.attachedAt))
	o.service.publish(s, model.EventDeviceError, model.JSONObject{
		"stage":         "read",
		"error":         err.Error(),
		"messages_read": stats.MessagesRead,
	})
}

func (o *slotObserver) OnCleanup() {
	s := o.slot
	w, queue := s.handles()
	queue.Close()

	stats := w.Stats()
	s.log.LogWorkerStop(true, stats.MessagesRead, queue.Dropped(), time.Since(s.attachedAt))
	if s.wasAnnounced() {
		o.service.publish(s, model.EventDeviceStopped, nil)
	}
}
