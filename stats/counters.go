// Package stats counts what the forwarding loops do and reports it:
// periodically to the log, to the traffic monitor and over HTTP.
package stats

import (
	"sync/atomic"
	"time"
)

// Direction names used in logs, snapshots and the monitor.
const (
	UDPToSPI = "udp->spi"
	SPIToUDP = "spi->udp"
)

// Direction counts events of one forwarding loop. All methods are safe
// for concurrent use.
type Direction struct {
	name       string
	received   atomic.Uint64
	forwarded  atomic.Uint64
	bytes      atomic.Uint64
	mismatches atomic.Uint64
	errors     atomic.Uint64
	timeouts   atomic.Uint64
}

// Received counts a datagram or SPI chunk taken in by the loop.
func (d *Direction) Received() { d.received.Add(1) }

// Forwarded counts a complete hand-over of n bytes to the other side.
func (d *Direction) Forwarded(n int) {
	d.forwarded.Add(1)
	d.bytes.Add(uint64(n))
}

// Mismatch counts a transfer where fewer bytes went out than came in.
func (d *Direction) Mismatch() { d.mismatches.Add(1) }

// Failed counts a transport error seen by the loop.
func (d *Direction) Failed() { d.errors.Add(1) }

// TimedOut counts a receive that ended without data.
func (d *Direction) TimedOut() { d.timeouts.Add(1) }

func (d *Direction) Name() string { return d.name }

// DirectionSnapshot is a copy of the counters at one point in time.
type DirectionSnapshot struct {
	Direction  string `json:"direction"`
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Bytes      uint64 `json:"bytes"`
	Mismatches uint64 `json:"mismatches"`
	Errors     uint64 `json:"errors"`
	Timeouts   uint64 `json:"timeouts"`
}

// Snapshot copies the current counter values.
func (d *Direction) Snapshot() DirectionSnapshot {
	return DirectionSnapshot{
		Direction:  d.name,
		Received:   d.received.Load(),
		Forwarded:  d.forwarded.Load(),
		Bytes:      d.bytes.Load(),
		Mismatches: d.mismatches.Load(),
		Errors:     d.errors.Load(),
		Timeouts:   d.timeouts.Load(),
	}
}

// Counters holds one Direction per forwarding loop.
type Counters struct {
	UDPToSPI *Direction
	SPIToUDP *Direction
	started  time.Time
}

func NewCounters() *Counters {
	return &Counters{
		UDPToSPI: &Direction{name: UDPToSPI},
		SPIToUDP: &Direction{name: SPIToUDP},
		started:  time.Now(),
	}
}

// Snapshot is the state of both directions at Taken.
type Snapshot struct {
	Taken    time.Time         `json:"taken"`
	Uptime   string            `json:"uptime"`
	UDPToSPI DirectionSnapshot `json:"udp_to_spi"`
	SPIToUDP DirectionSnapshot `json:"spi_to_udp"`
}

func (c *Counters) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Taken:    now,
		Uptime:   now.Sub(c.started).Round(time.Second).String(),
		UDPToSPI: c.UDPToSPI.Snapshot(),
		SPIToUDP: c.SPIToUDP.Snapshot(),
	}
}
