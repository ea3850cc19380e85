// internal/discovery/registry.go
package discovery

import (
	"fmt"
	"sort"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

type usbKey struct {
	vendor  model.USBID
	product model.USBID
}

// Registry is the immutable table of known device fingerprints. It is built
// once and shared read-only between the scanner, the service and the API.
type Registry struct {
	entries []model.RegistryEntry
	byID    map[usbKey]model.RegistryEntry
	byType  map[model.DeviceType]model.RegistryEntry
}

// NewRegistry builds a registry, rejecting duplicate (vid, pid) pairs and
// duplicate device type names.
func NewRegistry(entries []model.RegistryEntry) (*Registry, error) {
	r := &Registry{
		entries: make([]model.RegistryEntry, 0, len(entries)),
		byID:    make(map[usbKey]model.RegistryEntry, len(entries)),
		byType:  make(map[model.DeviceType]model.RegistryEntry, len(entries)),
	}

	for _, e := range entries {
		if e.DeviceType == "" {
			return nil, fmt.Errorf("registry entry %s:%s has no device type", e.VendorID, e.ProductID)
		}
		key := usbKey{vendor: e.VendorID, product: e.ProductID}
		if prev, exists := r.byID[key]; exists {
			return nil, fmt.Errorf("registry: %s and %s share id %s:%s", prev.DeviceType, e.DeviceType, e.VendorID, e.ProductID)
		}
		if _, exists := r.byType[e.DeviceType]; exists {
			return nil, fmt.Errorf("registry: device type %s listed twice", e.DeviceType)
		}
		r.byID[key] = e
		r.byType[e.DeviceType] = e
		r.entries = append(r.entries, e)
	}

	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].DeviceType < r.entries[j].DeviceType
	})
	return r, nil
}

// NewRegistryFromConfig converts the registry config section.
func NewRegistryFromConfig(cfg []config.RegistryEntry) (*Registry, error) {
	entries := make([]model.RegistryEntry, 0, len(cfg))
	for i, c := range cfg {
		vid, err := config.ParseUSBID(c.VendorID)
		if err != nil {
			return nil, fmt.Errorf("registry[%d] vendor id: %w", i, err)
		}
		pid, err := config.ParseUSBID(c.ProductID)
		if err != nil {
			return nil, fmt.Errorf("registry[%d] product id: %w", i, err)
		}
		entries = append(entries, model.RegistryEntry{
			DeviceType: model.DeviceType(c.DeviceType),
			VendorID:   model.USBID(vid),
			ProductID:  model.USBID(pid),
			BaudRate:   c.BaudRate,
		})
	}
	return NewRegistry(entries)
}

// Lookup returns the device type registered for a vendor/product pair.
func (r *Registry) Lookup(vendorID, productID model.USBID) (model.DeviceType, bool) {
	e, ok := r.byID[usbKey{vendor: vendorID, product: productID}]
	return e.DeviceType, ok
}

// Entry returns the registry entry for a device type.
func (r *Registry) Entry(deviceType model.DeviceType) (model.RegistryEntry, bool) {
	e, ok := r.byType[deviceType]
	return e, ok
}

// Entries returns a copy of all entries sorted by device type.
func (r *Registry) Entries() []model.RegistryEntry {
	out := make([]model.RegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered device types.
func (r *Registry) Len() int {
	return len(r.entries)
}
