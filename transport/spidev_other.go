//go:build !linux

package transport

import (
	"errors"
	"runtime"
)

func openSpidev(path string) (spiBackend, error) {
	return nil, errors.New("spidev is not available on " + runtime.GOOS)
}
