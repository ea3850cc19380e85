// internal/protocol/connection.go
package protocol

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"lab-device-service/internal/config"
	"lab-device-service/internal/model"
)

const (
	DefaultPollTimeout  = 10 * time.Millisecond
	DefaultMaxLineBytes = 4096
)

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port         string        `json:"port"`
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       string        `json:"parity"`
	PollTimeout  time.Duration `json:"poll_timeout"`
	MaxLineBytes int           `json:"max_line_bytes"`
}

// NewSerialConfig merges the serial defaults with a registry entry; the
// entry's baud rate wins when set.
func NewSerialConfig(path string, defaults config.SerialConfig, entry model.RegistryEntry, maxLineBytes int) SerialConfig {
	cfg := SerialConfig{
		Port:         path,
		BaudRate:     defaults.BaudRate,
		DataBits:     defaults.DataBits,
		StopBits:     defaults.StopBits,
		Parity:       defaults.Parity,
		PollTimeout:  defaults.PollTimeout,
		MaxLineBytes: maxLineBytes,
	}
	if entry.BaudRate > 0 {
		cfg.BaudRate = entry.BaudRate
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	return cfg
}

// Mode converts the configuration to a go.bug.st/serial mode.
func (c SerialConfig) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch c.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", c.StopBits)
	}

	switch c.Parity {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", c.Parity)
	}

	return mode, nil
}
