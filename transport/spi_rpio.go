package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// rpioSPI drives the BCM2835 SPI0 controller through /dev/mem. Only
// /dev/spidev0.<cs> paths are accepted; the chip select is taken from the
// path. The controller shifts MSB first with 8 bit words only.
type rpioSPI struct {
	mu sync.Mutex
}

func parseSpidevPath(path string) (bus, chip uint8, err error) {
	if _, err := fmt.Sscanf(path, "/dev/spidev%d.%d", &bus, &chip); err != nil {
		return 0, 0, fmt.Errorf("can't parse bus and chip select from %q: %w", path, err)
	}
	return bus, chip, nil
}

func openRpio(path string) (spiBackend, error) {
	bus, chip, err := parseSpidevPath(path)
	if err != nil {
		return nil, err
	}
	if bus != 0 {
		return nil, fmt.Errorf("rpio supports SPI0 only, got bus %d", bus)
	}
	if chip > 2 {
		return nil, fmt.Errorf("invalid chip select %d", chip)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open rpio: %w", err)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		rpio.Close()
		return nil, fmt.Errorf("failed to begin spi: %w", err)
	}
	rpio.SpiChipSelect(chip)
	return &rpioSPI{}, nil
}

func (r *rpioSPI) SetMode(mode uint8) error {
	if mode > 3 {
		return fmt.Errorf("invalid SPI mode %d", mode)
	}
	rpio.SpiMode(mode>>1, mode&1)
	return nil
}

func (r *rpioSPI) SetLSBFirst(lsb bool) error {
	if lsb {
		return errors.New("LSB first is not supported by the BCM2835 SPI0 controller")
	}
	return nil
}

func (r *rpioSPI) SetBitsPerWord(bits uint8) error {
	if bits != 8 {
		return fmt.Errorf("%d bits per word not supported, rpio only shifts 8 bit words", bits)
	}
	return nil
}

func (r *rpioSPI) SetSpeed(hz uint32) error {
	rpio.SpiSpeed(int(hz))
	return nil
}

func (r *rpioSPI) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rpio.SpiTransmit(data...)
	return len(data), nil
}

func (r *rpioSPI) Read(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(data, rpio.SpiReceive(len(data))), nil
}

func (r *rpioSPI) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rpio.SpiEnd(rpio.Spi0)
	return rpio.Close()
}
