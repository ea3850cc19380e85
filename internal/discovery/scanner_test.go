package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

type recordingListener struct {
	mu           sync.Mutex
	attaches     []AttachEvent
	detaches     []DetachEvent
	unrecognized []model.KnownPort
}

func (l *recordingListener) OnAttach(ev AttachEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attaches = append(l.attaches, ev)
}

func (l *recordingListener) OnDetach(ev DetachEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detaches = append(l.detaches, ev)
}

func (l *recordingListener) OnUnrecognized(p model.KnownPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrecognized = append(l.unrecognized, p)
}

func (l *recordingListener) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attaches, l.detaches, l.unrecognized = nil, nil, nil
}

// scriptedEnumerator returns one canned result per call, repeating the last.
type scriptedEnumerator struct {
	mu    sync.Mutex
	steps []enumStep
	calls int
}

type enumStep struct {
	ports []model.KnownPort
	err   error
}

func (e *scriptedEnumerator) ListPorts() ([]model.KnownPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	if i >= len(e.steps) {
		i = len(e.steps) - 1
	}
	e.calls++
	return e.steps[i].ports, e.steps[i].err
}

func usbPort(path string, vid, pid model.USBID) model.KnownPort {
	return model.KnownPort{Path: path, VendorID: vid, ProductID: pid, IsUSB: true}
}

func vogRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]model.RegistryEntry{
		{DeviceType: "VOG", VendorID: 5824, ProductID: 1155},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newTestScanner(t *testing.T, enum Enumerator, l Listener) *PortScanner {
	t.Helper()
	return NewPortScanner(enum, vogRegistry(t), l, 10*time.Millisecond, zap.NewNop())
}

func TestScanner_AttachThenDetachScenario(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: nil},
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
		{ports: nil},
	}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	if err := s.ScanOnce(); err != nil {
		t.Fatalf("scan 1: %v", err)
	}
	if len(l.attaches) != 0 || len(l.detaches) != 0 {
		t.Fatalf("scan 1: expected no events, got %+v %+v", l.attaches, l.detaches)
	}

	if err := s.ScanOnce(); err != nil {
		t.Fatalf("scan 2: %v", err)
	}
	if len(l.attaches) != 1 {
		t.Fatalf("scan 2: expected 1 attach, got %d", len(l.attaches))
	}
	want := AttachEvent{PortPath: "COM3", DeviceType: "VOG"}
	if l.attaches[0] != want {
		t.Errorf("scan 2: attach = %+v, want %+v", l.attaches[0], want)
	}
	if len(l.detaches) != 0 {
		t.Errorf("scan 2: unexpected detaches %+v", l.detaches)
	}

	l.reset()
	if err := s.ScanOnce(); err != nil {
		t.Fatalf("scan 3: %v", err)
	}
	if len(l.detaches) != 1 || l.detaches[0].PortPath != "COM3" {
		t.Fatalf("scan 3: expected detach COM3, got %+v", l.detaches)
	}
	if len(l.attaches) != 0 {
		t.Errorf("scan 3: unexpected attaches %+v", l.attaches)
	}
	if n := len(s.TrackedPorts()); n != 0 {
		t.Errorf("tracked ports after detach = %d, want 0", n)
	}
}

func TestScanner_UnchangedPortProducesNoEvents(t *testing.T) {
	ports := []model.KnownPort{usbPort("COM3", 5824, 1155), usbPort("COM4", 1, 2)}
	enum := &scriptedEnumerator{steps: []enumStep{{ports: ports}}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	l.reset()

	for i := 0; i < 5; i++ {
		if err := s.ScanOnce(); err != nil {
			t.Fatal(err)
		}
	}
	if len(l.attaches) != 0 || len(l.detaches) != 0 || len(l.unrecognized) != 0 {
		t.Errorf("expected no events for a stable port set, got attaches=%v detaches=%v unrecognized=%v",
			l.attaches, l.detaches, l.unrecognized)
	}
}

func TestScanner_UnrecognizedPortIsTrackedSilently(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("/dev/ttyUSB0", 0x0403, 0x6001), {Path: "/dev/ttyS0"}}},
		{ports: nil},
	}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if len(l.attaches) != 0 {
		t.Errorf("unrecognized port produced attach: %+v", l.attaches)
	}
	if len(l.unrecognized) != 2 {
		t.Errorf("unrecognized notifications = %d, want 2", len(l.unrecognized))
	}
	tracked := s.TrackedPorts()
	if len(tracked) != 2 {
		t.Fatalf("tracked = %d, want 2", len(tracked))
	}
	for _, tp := range tracked {
		if tp.Recognized {
			t.Errorf("port %s marked recognized", tp.Path)
		}
	}

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if len(l.detaches) != 2 {
		t.Errorf("detaches = %d, want 2 (tracked ports removed)", len(l.detaches))
	}
}

func TestScanner_SimultaneousAttachAndDetach(t *testing.T) {
	reg, err := NewRegistry([]model.RegistryEntry{
		{DeviceType: "VOG", VendorID: 5824, ProductID: 1155},
		{DeviceType: "DRT", VendorID: 0x239A, ProductID: 0x801E},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Same port count on both scans: a count comparison would see nothing.
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
		{ports: []model.KnownPort{usbPort("COM5", 0x239A, 0x801E)}},
	}}
	l := &recordingListener{}
	s := NewPortScanner(enum, reg, l, time.Second, zap.NewNop())

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	l.reset()
	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}

	if len(l.detaches) != 1 || l.detaches[0].PortPath != "COM3" {
		t.Errorf("detaches = %+v, want COM3", l.detaches)
	}
	if len(l.attaches) != 1 || l.attaches[0] != (AttachEvent{PortPath: "COM5", DeviceType: "DRT"}) {
		t.Errorf("attaches = %+v, want COM5/DRT", l.attaches)
	}
}

func TestScanner_SamePathNewIdentity(t *testing.T) {
	reg, err := NewRegistry([]model.RegistryEntry{
		{DeviceType: "VOG", VendorID: 5824, ProductID: 1155},
		{DeviceType: "GPS", VendorID: 0x1546, ProductID: 0x01A7},
	})
	if err != nil {
		t.Fatal(err)
	}
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
		{ports: []model.KnownPort{usbPort("COM3", 0x1546, 0x01A7)}},
	}}
	l := &recordingListener{}
	s := NewPortScanner(enum, reg, l, time.Second, zap.NewNop())

	_ = s.ScanOnce()
	l.reset()
	_ = s.ScanOnce()

	if len(l.detaches) != 1 || len(l.attaches) != 1 {
		t.Fatalf("want one detach and one attach, got %+v / %+v", l.detaches, l.attaches)
	}
	if l.attaches[0].DeviceType != "GPS" {
		t.Errorf("attach device type = %s, want GPS", l.attaches[0].DeviceType)
	}
}

func TestScanner_DetachIsNotRepeated(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
		{ports: nil},
	}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	for i := 0; i < 4; i++ {
		if err := s.ScanOnce(); err != nil {
			t.Fatal(err)
		}
	}
	if len(l.detaches) != 1 {
		t.Errorf("detaches = %d, want exactly 1", len(l.detaches))
	}
}

func TestScanner_EnumerationFailureIsSwallowed(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
		{err: errors.New("access denied")},
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
	}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	l.reset()

	err := s.ScanOnce()
	if !errors.Is(err, ErrEnumeration) {
		t.Fatalf("err = %v, want ErrEnumeration", err)
	}
	if len(l.detaches) != 0 {
		t.Errorf("failed enumeration must not detach tracked ports, got %+v", l.detaches)
	}

	if err := s.ScanOnce(); err != nil {
		t.Fatal(err)
	}
	if len(l.attaches) != 0 || len(l.detaches) != 0 {
		t.Errorf("recovered scan produced events: %+v %+v", l.attaches, l.detaches)
	}
	if st := s.Stats(); st.Failures != 1 || st.Scans != 3 {
		t.Errorf("stats = %+v, want 1 failure over 3 scans", st)
	}
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155)}},
	}}
	l := &recordingListener{}
	s := newTestScanner(t, enum, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Scans < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Run(ctx); !errors.Is(err, ErrScannerRunning) {
		t.Errorf("second Run = %v, want ErrScannerRunning", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.attaches) != 1 {
		t.Errorf("attaches across ticks = %d, want 1", len(l.attaches))
	}
}

func TestScanner_AttachedDevices(t *testing.T) {
	enum := &scriptedEnumerator{steps: []enumStep{
		{ports: []model.KnownPort{usbPort("COM3", 5824, 1155), usbPort("COM9", 7, 7)}},
	}}
	s := newTestScanner(t, enum, &recordingListener{})
	_ = s.ScanOnce()

	got := s.AttachedDevices()
	if len(got) != 1 || got[0] != (model.AttachedDevice{PortPath: "COM3", DeviceType: "VOG"}) {
		t.Errorf("AttachedDevices = %+v", got)
	}
}
