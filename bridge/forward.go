// Package bridge moves bytes between a UDP socket and an SPI device. Two
// forwarding loops run concurrently, one per direction, and both stop when
// the shared shutdown coordinator is triggered.
package bridge

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"lautenbacher.net/spibridge/shutdown"
	"lautenbacher.net/spibridge/stats"
	"lautenbacher.net/spibridge/transport"
)

// DatagramTransport is the network side of the bridge. *transport.UDP
// implements it.
type DatagramTransport interface {
	Receive(timeout time.Duration) ([]byte, error)
	Send(data []byte) (int, error)
	Close() error
}

// DeviceTransport is the device side of the bridge. *transport.SPI
// implements it.
type DeviceTransport interface {
	Write(data []byte) (int, error)
	Read(length int) ([]byte, error)
	Close() error
}

type udpToSPI struct {
	udp     DatagramTransport
	spi     DeviceTransport
	flag    *shutdown.Coordinator
	timeout time.Duration
	counter *stats.Direction
}

// run receives datagrams and writes each one to the device until the flag
// is set. Receive errors are logged and the loop goes on, unless the socket
// itself is gone.
func (l *udpToSPI) run() {
	log := slog.With("direction", l.counter.Name())
	log.Info("Starting forwarding loop", "timeout", l.timeout)
	for !l.flag.IsSet() {
		data, err := l.udp.Receive(l.timeout)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			l.counter.TimedOut()
			continue
		case errors.Is(err, transport.ErrTruncated):
			l.counter.Received()
			l.counter.Mismatch()
			log.Warn("Oversized datagram dropped", "error", err)
			continue
		case isClosed(err):
			log.Warn("UDP socket closed, ending forwarding loop", "error", err)
			return
		case err != nil:
			l.counter.Failed()
			log.Error("Error receiving datagram", "error", err)
			continue
		case len(data) == 0:
			continue
		}

		l.counter.Received()
		n, err := l.spi.Write(data)
		if err != nil {
			l.counter.Failed()
			log.Error("Error writing to SPI device", "bytes", len(data), "error", err)
			continue
		}
		if n != len(data) {
			l.counter.Mismatch()
			log.Warn("Forwarding mismatch, datagram dropped", "received", len(data), "written", n)
			continue
		}
		l.counter.Forwarded(n)
		log.Debug("Forwarded datagram", "bytes", n)
	}
	log.Info("Ending forwarding loop", "reason", l.flag.Reason())
}

type spiToUDP struct {
	spi      DeviceTransport
	udp      DatagramTransport
	flag     *shutdown.Coordinator
	interval time.Duration
	length   int
	counter  *stats.Direction
}

// run polls the device once per interval and sends whatever it returned,
// header included, to the remote peer.
func (l *spiToUDP) run() {
	log := slog.With("direction", l.counter.Name())
	log.Info("Starting forwarding loop", "interval", l.interval, "length", l.length)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for !l.flag.IsSet() {
		l.poll(log)
		<-ticker.C
	}
	log.Info("Ending forwarding loop", "reason", l.flag.Reason())
}

func (l *spiToUDP) poll(log *slog.Logger) {
	data, err := l.spi.Read(l.length)
	if err != nil {
		l.counter.Failed()
		log.Error("Error reading from SPI device", "requested", l.length, "got", len(data), "error", err)
		return
	}
	l.counter.Received()

	n, err := l.udp.Send(data)
	if err != nil {
		l.counter.Failed()
		log.Error("Error sending datagram", "bytes", len(data), "error", err)
		return
	}
	if n != len(data) {
		l.counter.Mismatch()
		log.Warn("Forwarding mismatch", "read", len(data), "sent", n)
		return
	}
	l.counter.Forwarded(n)
	log.Debug("Forwarded SPI chunk", "bytes", n, "header", data[:min(2, len(data))])
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}
