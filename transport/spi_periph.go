package transport

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// periphSPI drives the device through periph.io's port registry. periph
// applies mode, bit order, word size and clock in a single Connect call,
// so the first three setters only record and check their value and
// SetSpeed performs the connect.
type periphSPI struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn
	mode spi.Mode
	bits int
}

var periphInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

func openPeriph(path string) (spiBackend, error) {
	if err := periphInit(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}
	port, err := spireg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spi: %w", err)
	}
	return &periphSPI{port: port}, nil
}

func (p *periphSPI) SetMode(mode uint8) error {
	if mode > 3 {
		return fmt.Errorf("invalid SPI mode %d", mode)
	}
	p.mode = (p.mode &^ 3) | spi.Mode(mode)
	return nil
}

func (p *periphSPI) SetLSBFirst(lsb bool) error {
	if lsb {
		p.mode |= spi.LSBFirst
	} else {
		p.mode &^= spi.LSBFirst
	}
	return nil
}

func (p *periphSPI) SetBitsPerWord(bits uint8) error {
	if bits == 0 {
		return errors.New("bits per word must not be zero")
	}
	p.bits = int(bits)
	return nil
}

func (p *periphSPI) SetSpeed(hz uint32) error {
	conn, err := p.port.Connect(physic.Frequency(hz)*physic.Hertz, p.mode, p.bits)
	if err != nil {
		return fmt.Errorf("failed to connect to spi device: %w", err)
	}
	p.conn = conn
	return nil
}

func (p *periphSPI) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Tx(data, nil); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *periphSPI) Read(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Tx(nil, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *periphSPI) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}
