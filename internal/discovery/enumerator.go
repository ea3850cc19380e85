// internal/discovery/enumerator.go
package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

// ErrEnumeration wraps failures of the OS port listing.
var ErrEnumeration = errors.New("serial port enumeration failed")

// Enumerator lists the serial ports currently present on the host.
type Enumerator interface {
	ListPorts() ([]model.KnownPort, error)
}

// EnumeratorFunc adapts a plain function to Enumerator.
type EnumeratorFunc func() ([]model.KnownPort, error)

// ListPorts calls f.
func (f EnumeratorFunc) ListPorts() ([]model.KnownPort, error) {
	return f()
}

// overridden in tests
var getDetailedPortsList = enumerator.GetDetailedPortsList

// SystemEnumerator reads ports and their USB descriptors from the OS.
type SystemEnumerator struct {
	logger *zap.Logger
}

// NewSystemEnumerator creates an enumerator backed by go.bug.st/serial.
func NewSystemEnumerator(logger *zap.Logger) *SystemEnumerator {
	return &SystemEnumerator{
		logger: logger.With(zap.String("component", "enumerator")),
	}
}

// ListPorts returns every serial port, USB or not. Non-USB ports carry a
// zero VID/PID and can never match the registry.
func (e *SystemEnumerator) ListPorts() ([]model.KnownPort, error) {
	details, err := getDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	ports := make([]model.KnownPort, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		port := model.KnownPort{
			Path:   d.Name,
			IsUSB:  d.IsUSB,
			Serial: d.SerialNumber,
		}
		if d.IsUSB {
			vid, vidErr := parseHexID(d.VID)
			pid, pidErr := parseHexID(d.PID)
			if vidErr != nil || pidErr != nil {
				e.logger.Debug("Unparseable USB descriptor, treating port as non-USB",
					zap.String("port", d.Name),
					zap.String("vid", d.VID),
					zap.String("pid", d.PID),
				)
				port.IsUSB = false
			} else {
				port.VendorID = vid
				port.ProductID = pid
			}
		}
		ports = append(ports, port)
	}

	return ports, nil
}

// parseHexID parses the 4-digit hex strings the enumerator reports ("16C0").
func parseHexID(s string) (model.USBID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return model.USBID(n), nil
}
