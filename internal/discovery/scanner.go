// 📁 internal/discovery/scanner.go - Serial Port Scanner
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

// DefaultScanInterval is the poll period used when none is configured.
const DefaultScanInterval = time.Second

// ErrScannerRunning is returned by Run when the loop is already active.
var ErrScannerRunning = errors.New("scanner already running")

// AttachEvent reports a newly observed port that matched the registry.
type AttachEvent struct {
	PortPath   string           `json:"port_path"`
	DeviceType model.DeviceType `json:"device_type"`
}

// DetachEvent reports a tracked port that is no longer enumerated.
type DetachEvent struct {
	PortPath string `json:"port_path"`
}

// Listener receives scanner notifications. Calls are made from the scan
// loop, one at a time, detaches before attaches within a tick.
type Listener interface {
	OnAttach(event AttachEvent)
	OnDetach(event DetachEvent)
}

// UnrecognizedListener is an optional extension of Listener for diagnostics.
// It never replaces an attach: unrecognized ports stay silent to OnAttach.
type UnrecognizedListener interface {
	OnUnrecognized(port model.KnownPort)
}

// TrackedPort is a port in the scanner's tracked set.
type TrackedPort struct {
	model.KnownPort
	DeviceType model.DeviceType `json:"device_type,omitempty"`
	Recognized bool             `json:"recognized"`
	FirstSeen  time.Time        `json:"first_seen"`
}

// ScanStats summarizes scanner activity.
type ScanStats struct {
	Running      bool      `json:"running"`
	Scans        int64     `json:"scans"`
	Failures     int64     `json:"enumeration_failures"`
	TrackedPorts int       `json:"tracked_ports"`
	LastScan     time.Time `json:"last_scan,omitempty"`
}

// PortScanner polls the OS port list and diffs full identity sets between
// polls, so a port swapped for another within one interval yields both a
// detach and an attach.
type PortScanner struct {
	enumerator Enumerator
	registry   *Registry
	listener   Listener
	interval   time.Duration
	logger     *zap.Logger

	// tracked is written only by the scan loop; mu lets API readers in.
	mu       sync.RWMutex
	tracked  map[string]TrackedPort
	lastScan time.Time

	running  *atomic.Bool
	scans    *atomic.Int64
	failures *atomic.Int64
}

// NewPortScanner creates a scanner. A non-positive interval falls back to
// DefaultScanInterval.
func NewPortScanner(enum Enumerator, registry *Registry, listener Listener, interval time.Duration, logger *zap.Logger) *PortScanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &PortScanner{
		enumerator: enum,
		registry:   registry,
		listener:   listener,
		interval:   interval,
		logger:     logger.With(zap.String("component", "port_scanner")),
		tracked:    make(map[string]TrackedPort),
		running:    atomic.NewBool(false),
		scans:      atomic.NewInt64(0),
		failures:   atomic.NewInt64(0),
	}
}

// Run polls until ctx is cancelled. Enumeration failures are logged and the
// loop simply waits for the next tick.
func (s *PortScanner) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrScannerRunning
	}
	defer s.running.Store(false)

	s.logger.Info("Port scanner started",
		zap.Duration("interval", s.interval),
		zap.Int("registry_entries", s.registry.Len()),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.ScanOnce(); err != nil {
			s.logger.Debug("Scan skipped", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Port scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce performs a single enumerate-and-diff pass. On enumeration
// failure the tracked set is left untouched and no events are raised.
func (s *PortScanner) ScanOnce() error {
	s.scans.Inc()

	ports, err := s.enumerator.ListPorts()
	if err != nil {
		s.failures.Inc()
		if !errors.Is(err, ErrEnumeration) {
			err = fmt.Errorf("%w: %v", ErrEnumeration, err)
		}
		return err
	}

	current := make(map[string]model.KnownPort, len(ports))
	for _, p := range ports {
		current[p.Identity()] = p
	}

	var (
		detached     []DetachEvent
		attached     []AttachEvent
		unrecognized []model.KnownPort
	)

	now := time.Now()
	s.mu.Lock()
	for id, tp := range s.tracked {
		if _, still := current[id]; !still {
			delete(s.tracked, id)
			detached = append(detached, DetachEvent{PortPath: tp.Path})
		}
	}
	for id, p := range current {
		if _, known := s.tracked[id]; known {
			continue
		}
		tp := TrackedPort{KnownPort: p, FirstSeen: now}
		if p.IsUSB {
			if deviceType, ok := s.registry.Lookup(p.VendorID, p.ProductID); ok {
				tp.DeviceType = deviceType
				tp.Recognized = true
			}
		}
		s.tracked[id] = tp
		if tp.Recognized {
			attached = append(attached, AttachEvent{PortPath: p.Path, DeviceType: tp.DeviceType})
		} else {
			unrecognized = append(unrecognized, p)
		}
	}
	s.lastScan = now
	s.mu.Unlock()

	sort.Slice(detached, func(i, j int) bool { return detached[i].PortPath < detached[j].PortPath })
	sort.Slice(attached, func(i, j int) bool { return attached[i].PortPath < attached[j].PortPath })

	for _, ev := range detached {
		s.logger.Info("Port detached", zap.String("port", ev.PortPath))
		s.listener.OnDetach(ev)
	}
	for _, ev := range attached {
		s.logger.Info("Device attached",
			zap.String("port", ev.PortPath),
			zap.String("device_type", string(ev.DeviceType)),
		)
		s.listener.OnAttach(ev)
	}
	if ul, ok := s.listener.(UnrecognizedListener); ok {
		for _, p := range unrecognized {
			ul.OnUnrecognized(p)
		}
	}

	return nil
}

// TrackedPorts returns a snapshot of the tracked set ordered by path.
func (s *PortScanner) TrackedPorts() []TrackedPort {
	s.mu.RLock()
	out := make([]TrackedPort, 0, len(s.tracked))
	for _, tp := range s.tracked {
		out = append(out, tp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == out[j].Path {
			return out[i].Identity() < out[j].Identity()
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// AttachedDevices returns the recognized subset of the tracked set.
func (s *PortScanner) AttachedDevices() []model.AttachedDevice {
	var out []model.AttachedDevice
	for _, tp := range s.TrackedPorts() {
		if tp.Recognized {
			out = append(out, model.AttachedDevice{PortPath: tp.Path, DeviceType: tp.DeviceType})
		}
	}
	return out
}

// Stats returns scanner counters.
func (s *PortScanner) Stats() ScanStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ScanStats{
		Running:      s.running.Load(),
		Scans:        s.scans.Load(),
		Failures:     s.failures.Load(),
		TrackedPorts: len(s.tracked),
		LastScan:     s.lastScan,
	}
}

// Registry returns the registry the scanner classifies against.
func (s *PortScanner) Registry() *Registry {
	return s.registry
}
