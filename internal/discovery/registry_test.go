package discovery

import (
	"errors"
	"testing"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	tests := []struct {
		name    string
		entries []model.RegistryEntry
	}{
		{
			name: "same id",
			entries: []model.RegistryEntry{
				{DeviceType: "VOG", VendorID: 1, ProductID: 2},
				{DeviceType: "DRT", VendorID: 1, ProductID: 2},
			},
		},
		{
			name: "same type",
			entries: []model.RegistryEntry{
				{DeviceType: "VOG", VendorID: 1, ProductID: 2},
				{DeviceType: "VOG", VendorID: 3, ProductID: 4},
			},
		},
		{
			name:    "missing type",
			entries: []model.RegistryEntry{{VendorID: 1, ProductID: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.entries); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_LookupAndEntries(t *testing.T) {
	r, err := NewRegistryFromConfig([]config.RegistryEntry{
		{DeviceType: "VOG", VendorID: "5824", ProductID: "1155", BaudRate: 115200},
		{DeviceType: "DRT", VendorID: "0x239A", ProductID: "0x801E"},
	})
	if err != nil {
		t.Fatalf("NewRegistryFromConfig: %v", err)
	}

	if dt, ok := r.Lookup(0x16C0, 0x0483); !ok || dt != "VOG" {
		t.Errorf("Lookup(16c0:0483) = %q, %v", dt, ok)
	}
	if _, ok := r.Lookup(0x16C0, 0x0484); ok {
		t.Error("Lookup matched on vendor id alone")
	}
	if e, ok := r.Entry("VOG"); !ok || e.BaudRate != 115200 {
		t.Errorf("Entry(VOG) = %+v, %v", e, ok)
	}

	entries := r.Entries()
	if len(entries) != 2 || entries[0].DeviceType != "DRT" {
		t.Errorf("Entries = %+v, want sorted DRT first", entries)
	}
	entries[0].DeviceType = "mutated"
	if r.Entries()[0].DeviceType != "DRT" {
		t.Error("Entries exposed internal slice")
	}
}

func TestRegistryFromConfig_BadID(t *testing.T) {
	_, err := NewRegistryFromConfig([]config.RegistryEntry{
		{DeviceType: "VOG", VendorID: "zz", ProductID: "1"},
	})
	if err == nil {
		t.Fatal("expected error for invalid vendor id")
	}
}

func TestSystemEnumerator_ParsesDetails(t *testing.T) {
	orig := getDetailedPortsList
	defer func() { getDetailedPortsList = orig }()

	getDetailedPortsList = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "COM3", IsUSB: true, VID: "16C0", PID: "0483", SerialNumber: "A1"},
			{Name: "COM1", IsUSB: false},
			{Name: "COM7", IsUSB: true, VID: "nope", PID: "0001"},
			nil,
		}, nil
	}

	ports, err := NewSystemEnumerator(zap.NewNop()).ListPorts()
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("ports = %d, want 3", len(ports))
	}
	want := model.KnownPort{Path: "COM3", VendorID: 5824, ProductID: 1155, IsUSB: true, Serial: "A1"}
	if ports[0] != want {
		t.Errorf("ports[0] = %+v, want %+v", ports[0], want)
	}
	if ports[2].IsUSB {
		t.Error("port with bad VID should be downgraded to non-USB")
	}
}

func TestSystemEnumerator_WrapsError(t *testing.T) {
	orig := getDetailedPortsList
	defer func() { getDetailedPortsList = orig }()

	getDetailedPortsList = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("boom")
	}

	_, err := NewSystemEnumerator(zap.NewNop()).ListPorts()
	if !errors.Is(err, ErrEnumeration) {
		t.Errorf("err = %v, want ErrEnumeration", err)
	}
}
