package transport

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"lautenbacher.net/spibridge/config"
)

// MinReadLength is the smallest SPI read: the peripheral always answers
// with a two byte status prefix.
const MinReadLength = 2

// spiBackend is one way of driving an SPI device. The Set* methods are
// called once each by OpenSPI, always in the order mode, bit order, bits
// per word, speed. Write and Read are plain half-duplex transfers.
type spiBackend interface {
	SetMode(mode uint8) error
	SetLSBFirst(lsb bool) error
	SetBitsPerWord(bits uint8) error
	SetSpeed(hz uint32) error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

type spiOpener func(path string) (spiBackend, error)

var spiOpeners = map[string]spiOpener{
	config.LibrarySpidev: openSpidev,
	config.LibraryPeriph: openPeriph,
	config.LibraryRpio:   openRpio,
}

// SPI is an open and configured SPI device. Write and Read may be called
// from different goroutines.
type SPI struct {
	backend     spiBackend
	device      string
	maxTransfer int
	readBuffer  int
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// OpenSPI opens conf.Device with the configured library and applies mode,
// bit order, bits per word and clock speed in that order.
func OpenSPI(conf config.SPIConfig) (*SPI, error) {
	open, found := spiOpeners[conf.Library]
	if !found {
		return nil, &Error{Kind: DeviceOpen, Param: conf.Library, Err: fmt.Errorf("unknown SPI library %q", conf.Library)}
	}
	return openSPIWith(conf, open)
}

func openSPIWith(conf config.SPIConfig, open spiOpener) (*SPI, error) {
	backend, err := open(conf.Device)
	if err != nil {
		return nil, &Error{Kind: DeviceOpen, Param: conf.Device, Err: err}
	}

	steps := []struct {
		param string
		apply func() error
	}{
		{"mode", func() error { return backend.SetMode(uint8(conf.Mode)) }},
		{"lsb_first", func() error { return backend.SetLSBFirst(conf.LSBFirst) }},
		{"bits_per_word", func() error { return backend.SetBitsPerWord(uint8(conf.BitsPerWord)) }},
		{"speed_hz", func() error { return backend.SetSpeed(uint32(conf.SpeedHz)) }},
	}
	for _, step := range steps {
		if err := step.apply(); err != nil {
			backend.Close()
			return nil, &Error{Kind: ConfigFailed, Param: step.param, Err: err}
		}
	}

	s := &SPI{
		backend:     backend,
		device:      conf.Device,
		maxTransfer: conf.MaxTransfer,
		readBuffer:  conf.ReadBuffer,
	}
	if s.readBuffer < MinReadLength {
		s.readBuffer = MinReadLength
	}

	slog.Info("SPI device ready",
		"device", conf.Device,
		"library", conf.Library,
		"mode", conf.Mode,
		"lsb_first", conf.LSBFirst,
		"bits_per_word", conf.BitsPerWord,
		"speed_hz", conf.SpeedHz)
	return s, nil
}

// Write sends at most the configured maximum transfer size of data in one
// half-duplex transfer and returns how many bytes went out. Callers
// compare that against len(data) to spot short writes.
func (s *SPI) Write(data []byte) (int, error) {
	if s.closed.Load() {
		return 0, os.ErrClosed
	}
	if s.maxTransfer > 0 && len(data) > s.maxTransfer {
		data = data[:s.maxTransfer]
	}
	return s.backend.Write(data)
}

// Read performs one half-duplex read of length bytes, clamped by
// ClampReadLength. If the device returns fewer bytes, the partial data is
// returned with ErrShortRead.
func (s *SPI) Read(length int) ([]byte, error) {
	if s.closed.Load() {
		return nil, os.ErrClosed
	}
	buffer := make([]byte, ClampReadLength(length, s.readBuffer))
	n, err := s.backend.Read(buffer)
	if err != nil {
		return nil, err
	}
	if n < len(buffer) {
		return buffer[:n], fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, len(buffer))
	}
	return buffer, nil
}

// Close releases the device. Only the first call does anything.
func (s *SPI) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

func (s *SPI) Device() string {
	return s.device
}

// ClampReadLength limits a requested read length to [MinReadLength, capacity].
func ClampReadLength(length, capacity int) int {
	if capacity < MinReadLength {
		capacity = MinReadLength
	}
	return min(max(length, MinReadLength), capacity)
}
