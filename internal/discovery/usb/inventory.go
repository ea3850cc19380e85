// 📁 internal/discovery/usb/inventory.go - USB Bus Inventory
package usb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"lab-device-service/internal/discovery"
	"lab-device-service/internal/model"
)

// Inventory lists devices on the USB bus via libusb. It complements the
// serial enumerator: a device that shows up here but not as a serial port is
// usually missing its CDC/FTDI driver.
type Inventory struct {
	registry *discovery.Registry
	logger   *zap.Logger
	timeout  time.Duration
	debug    bool

	// libusb contexts are not cheap; one listing at a time.
	mu sync.Mutex
}

// NewInventory creates a USB inventory classifying against registry.
func NewInventory(registry *discovery.Registry, logger *zap.Logger, debug bool) *Inventory {
	return &Inventory{
		registry: registry,
		logger:   logger.With(zap.String("component", "usb_inventory")),
		timeout:  10 * time.Second,
		debug:    debug,
	}
}

// ListUSB returns every device on the bus. Registry matches are opened to
// read their string descriptors; everything else is reported from the
// device descriptor alone.
func (inv *Inventory) ListUSB(ctx context.Context) ([]model.USBDevice, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			inv.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if inv.debug {
		usbCtx.Debug(3)
	}

	var records []model.USBDevice
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		rec := recordFromDesc(desc)
		rec.DeviceType, rec.Recognized = inv.registry.Lookup(rec.VendorID, rec.ProductID)
		records = append(records, rec)
		return rec.Recognized
	})
	defer func() {
		for _, d := range devices {
			if d != nil {
				d.Close()
			}
		}
	}()
	if err != nil {
		// Matches that could not be opened (usually permissions) keep their
		// descriptor-only record.
		inv.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	for _, d := range devices {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for i := range records {
			if records[i].Bus != d.Desc.Bus || records[i].Address != d.Desc.Address {
				continue
			}
			records[i].Manufacturer = inv.stringDescriptor(d.Manufacturer)
			records[i].Product = inv.stringDescriptor(d.Product)
			records[i].Serial = inv.stringDescriptor(d.SerialNumber)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Bus != records[j].Bus {
			return records[i].Bus < records[j].Bus
		}
		return records[i].Address < records[j].Address
	})

	inv.logger.Debug("USB inventory completed", zap.Int("devices", len(records)))
	return records, nil
}

func (inv *Inventory) stringDescriptor(read func() (string, error)) string {
	s, err := read()
	if err != nil {
		inv.logger.Debug("Failed to read string descriptor", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(s)
}

func recordFromDesc(desc *gousb.DeviceDesc) model.USBDevice {
	return model.USBDevice{
		Bus:           desc.Bus,
		Address:       desc.Address,
		Port:          desc.Port,
		VendorID:      model.USBID(desc.Vendor),
		ProductID:     model.USBID(desc.Product),
		Class:         desc.Class.String(),
		USBVersion:    desc.Spec.String(),
		DeviceVersion: desc.Device.String(),
	}
}
