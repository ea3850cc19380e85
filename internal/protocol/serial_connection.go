// internal/protocol/serial_connection.go
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/worker"
)

var (
	// ErrPortClosed is returned by reads and writes after Close.
	ErrPortClosed = errors.New("serial port closed")
	// ErrLineTooLong is returned when no line terminator arrives within MaxLineBytes.
	ErrLineTooLong = errors.New("line exceeds maximum length")
	// ErrNoLine is returned by ReadLine when no complete line is buffered.
	ErrNoLine = errors.New("no complete line buffered")
)

// Opener opens a port for a worker. The service takes one so tests can
// substitute fakes.
type Opener func(cfg SerialConfig) (worker.Port, error)

// openSerial is overridden in tests
var openSerial = func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// NewSerialOpener returns an Opener backed by go.bug.st/serial.
func NewSerialOpener(logger *zap.Logger) Opener {
	return func(cfg SerialConfig) (worker.Port, error) {
		return OpenSerialConnection(cfg, logger)
	}
}

// SerialConnection is a line-oriented view of a serial port. Reads are
// bounded by the port read timeout so PollReadable never blocks longer than
// PollTimeout.
type SerialConnection struct {
	config SerialConfig
	port   io.ReadWriteCloser
	logger *zap.Logger

	// readMu guards buf; only the worker's read loop reads.
	readMu sync.Mutex
	buf    []byte
	chunk  []byte

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// OpenSerialConnection opens the port described by cfg.
func OpenSerialConnection(cfg SerialConfig, logger *zap.Logger) (*SerialConnection, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, fmt.Errorf("invalid serial settings for %s: %w", cfg.Port, err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	logger = logger.With(
		zap.String("protocol", "serial"),
		zap.String("port", cfg.Port),
	)
	logger.Info("Opening serial port", zap.Int("baud_rate", cfg.BaudRate))

	port, err := openSerial(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if sp, ok := port.(serial.Port); ok {
		if err := sp.SetReadTimeout(cfg.PollTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
		// Drop whatever the device sent before we were listening.
		if err := sp.ResetInputBuffer(); err != nil {
			logger.Debug("Failed to reset input buffer", zap.Error(err))
		}
	}

	return newSerialConnection(port, cfg, logger), nil
}

func newSerialConnection(port io.ReadWriteCloser, cfg SerialConfig, logger *zap.Logger) *SerialConnection {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	return &SerialConnection{
		config: cfg,
		port:   port,
		logger: logger,
		chunk:  make([]byte, 256),
	}
}

// PollReadable reports whether a complete line is buffered, reading once
// from the port (bounded by the read timeout) when none is.
func (sc *SerialConnection) PollReadable() (bool, error) {
	sc.readMu.Lock()
	defer sc.readMu.Unlock()

	if bytes.IndexByte(sc.buf, '\n') >= 0 {
		return true, nil
	}
	if sc.closed.Load() {
		return false, ErrPortClosed
	}

	n, err := sc.port.Read(sc.chunk)
	if n > 0 {
		sc.buf = append(sc.buf, sc.chunk[:n]...)
		sc.bytesRead.Add(int64(n))
	}
	if err != nil {
		if sc.closed.Load() {
			return false, ErrPortClosed
		}
		// A device yanked mid-session surfaces as EOF on some platforms.
		return false, fmt.Errorf("failed to read from serial port: %w", err)
	}

	if bytes.IndexByte(sc.buf, '\n') >= 0 {
		return true, nil
	}
	if len(sc.buf) > sc.config.MaxLineBytes {
		return false, fmt.Errorf("%w (%d bytes)", ErrLineTooLong, sc.config.MaxLineBytes)
	}
	return false, nil
}

// ReadLine returns the next buffered line without its terminator.
func (sc *SerialConnection) ReadLine() (string, error) {
	sc.readMu.Lock()
	defer sc.readMu.Unlock()

	i := bytes.IndexByte(sc.buf, '\n')
	if i < 0 {
		if sc.closed.Load() {
			return "", ErrPortClosed
		}
		return "", ErrNoLine
	}
	if i > sc.config.MaxLineBytes {
		sc.buf = sc.buf[i+1:]
		return "", fmt.Errorf("%w (%d bytes)", ErrLineTooLong, i)
	}

	line := string(bytes.TrimRight(sc.buf[:i], "\r"))
	// Compact so the backing array does not grow without bound.
	rest := copy(sc.buf, sc.buf[i+1:])
	sc.buf = sc.buf[:rest]
	return line, nil
}

// Write writes data to the serial port
func (sc *SerialConnection) Write(data []byte) (int, error) {
	if sc.closed.Load() {
		return 0, ErrPortClosed
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	n, err := sc.port.Write(data)
	sc.bytesWritten.Add(int64(n))
	if err != nil {
		sc.logger.Error("Serial write failed", zap.Error(err))
		return n, fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		return n, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	sc.logger.Debug("Serial write completed", zap.Int("bytes", n))
	return n, nil
}

// Close closes the port. Safe to call concurrently with a pending read,
// which it unblocks.
func (sc *SerialConnection) Close() error {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		if err := sc.port.Close(); err != nil {
			sc.closeErr = fmt.Errorf("failed to close serial port: %w", err)
			sc.logger.Error("Failed to close serial port", zap.Error(err))
			return
		}
		sc.logger.Info("Serial port closed",
			zap.Int64("bytes_read", sc.bytesRead.Load()),
			zap.Int64("bytes_written", sc.bytesWritten.Load()),
		)
	})
	return sc.closeErr
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	return !sc.closed.Load()
}

// Config returns the settings the port was opened with.
func (sc *SerialConnection) Config() SerialConfig {
	return sc.config
}
