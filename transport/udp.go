package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"lautenbacher.net/spibridge/config"
)

// UDP is a datagram socket bound to a local port that sends to exactly one
// remote peer. Receive and Send may be called from different goroutines.
type UDP struct {
	conn       *net.UDPConn
	remote     *net.UDPAddr
	bufferSize int
	closeOnce  sync.Once
	closeErr   error
}

// OpenUDP creates the socket, sets SO_BROADCAST as requested, binds it to
// the local port on all interfaces and resolves the remote peer.
func OpenUDP(conf config.UDPConfig) (*UDP, error) {
	broadcast := 0
	if conf.Broadcast {
		broadcast = 1
	}

	var optErr error
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			if err := rc.Control(func(fd uintptr) {
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, broadcast)
			}); err != nil {
				optErr = err
			}
			return optErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", conf.LocalPort))
	if err != nil {
		var sysErr *os.SyscallError
		switch {
		case optErr != nil:
			return nil, &Error{Kind: OptionSet, Param: "SO_BROADCAST", Err: optErr}
		case errors.As(err, &sysErr) && sysErr.Syscall == "socket":
			return nil, &Error{Kind: SocketCreate, Err: err}
		default:
			return nil, &Error{Kind: BindFailed, Err: err}
		}
	}
	conn := pc.(*net.UDPConn)

	addr, err := netip.ParseAddr(conf.TargetIP)
	if err != nil || !addr.Is4() {
		conn.Close()
		if err == nil {
			err = errors.New("not an IPv4 address")
		}
		return nil, &Error{Kind: InvalidAddress, Param: conf.TargetIP, Err: err}
	}

	u := &UDP{
		conn:       conn,
		remote:     net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(conf.RemotePort))),
		bufferSize: conf.BufferSize,
	}
	if u.bufferSize <= 0 {
		u.bufferSize = config.NetworkBufferSize
	}

	slog.Info("UDP socket ready",
		"local", conn.LocalAddr().String(),
		"remote", u.remote.String(),
		"broadcast", conf.Broadcast,
		"buffer", u.bufferSize)
	return u, nil
}

// Receive waits up to timeout for one datagram. It returns ErrTimeout if
// nothing arrived and ErrTruncated if the datagram was longer than the
// receive buffer.
func (u *UDP) Receive(timeout time.Duration) ([]byte, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	// one spare byte tells a datagram of exactly bufferSize from a longer one
	buffer := make([]byte, u.bufferSize+1)
	n, _, err := u.conn.ReadFromUDP(buffer)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if n > u.bufferSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTruncated, u.bufferSize)
	}
	return buffer[:n], nil
}

// Send transmits data to the remote peer and returns the number of bytes
// the kernel accepted. Short sends are not retried.
func (u *UDP) Send(data []byte) (int, error) {
	return u.conn.WriteToUDP(data, u.remote)
}

// Close releases the socket. Only the first call does anything.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.conn.Close()
	})
	return u.closeErr
}

func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) RemoteAddr() *net.UDPAddr {
	return u.remote
}
