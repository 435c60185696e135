//go:build linux

package transport

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl requests, _IOW('k', nr, size) from linux/spi/spidev.h.
const (
	spiIOCWrMode        = 0x40016b01
	spiIOCWrLSBFirst    = 0x40016b02
	spiIOCWrBitsPerWord = 0x40016b03
	spiIOCWrMaxSpeedHz  = 0x40046b04
)

// spidev drives /dev/spidevB.C directly: configuration through ioctls,
// transfers through plain read(2) and write(2), which the kernel driver
// turns into half-duplex SPI messages.
type spidev struct {
	f *os.File
}

func openSpidev(path string) (spiBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &spidev{f: f}, nil
}

func (d *spidev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *spidev) SetMode(mode uint8) error {
	return d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode))
}

func (d *spidev) SetLSBFirst(lsb bool) error {
	var v uint8
	if lsb {
		v = 1
	}
	return d.ioctl(spiIOCWrLSBFirst, unsafe.Pointer(&v))
}

func (d *spidev) SetBitsPerWord(bits uint8) error {
	return d.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits))
}

func (d *spidev) SetSpeed(hz uint32) error {
	return d.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&hz))
}

func (d *spidev) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

func (d *spidev) Read(p []byte) (int, error) {
	return d.f.Read(p)
}

func (d *spidev) Close() error {
	return d.f.Close()
}
