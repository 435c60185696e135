package main

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/spibridge/bridge"
	c "lautenbacher.net/spibridge/config"
	"lautenbacher.net/spibridge/transport"
)

type MockUDP struct {
	mu     sync.Mutex
	closes int
}

func (m *MockUDP) Receive(timeout time.Duration) ([]byte, error) {
	time.Sleep(timeout)
	return nil, transport.ErrTimeout
}

func (m *MockUDP) Send(data []byte) (int, error) {
	return len(data), nil
}

func (m *MockUDP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

type MockSPI struct {
	mu     sync.Mutex
	closes int
}

func (m *MockSPI) Write(data []byte) (int, error) {
	return len(data), nil
}

func (m *MockSPI) Read(length int) ([]byte, error) {
	return nil, errors.New("nothing to read")
}

func (m *MockSPI) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// openRecorder hands out fresh mock transports and remembers them.
type openRecorder struct {
	mu   sync.Mutex
	udps []*MockUDP
	spis []*MockSPI
}

func (o *openRecorder) openUDP(c.UDPConfig) (bridge.DatagramTransport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	u := &MockUDP{}
	o.udps = append(o.udps, u)
	return u, nil
}

func (o *openRecorder) openSPI(c.SPIConfig) (bridge.DeviceTransport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &MockSPI{}
	o.spis = append(o.spis, s)
	return s, nil
}

func (o *openRecorder) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.spis)
}

func (o *openRecorder) assertClosedOnce(t *testing.T) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, u := range o.udps {
		u.mu.Lock()
		assert.Equal(t, 1, u.closes, "udp transport %d", i)
		u.mu.Unlock()
	}
	for i, s := range o.spis {
		s.mu.Lock()
		assert.Equal(t, 1, s.closes, "spi transport %d", i)
		s.mu.Unlock()
	}
}

func testConfig() c.Config {
	conf := c.Default()
	conf.UDP.TargetIP = "127.0.0.1"
	conf.UDP.ReceiveTimeout = 20 * time.Millisecond
	conf.SPI.Device = "/dev/spidev0.0"
	conf.SPI.PollInterval = 20 * time.Millisecond
	return conf
}

const reloadConfig = `
UDP:
  ReceiveTimeout: 20ms
SPI:
  PollInterval: 20ms
Stats:
  Interval: 0s
`

// startApp runs app in the background and returns a channel carrying the
// result of Run.
func startApp(app *App) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- app.Run()
	}()
	return result
}

func waitForResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
		return nil
	}
}

func TestRun_MissingArguments(t *testing.T) {
	for _, args := range [][]string{{}, {"127.0.0.1"}, {"-b"}} {
		err := run(args)
		var exitErr *exitError
		require.ErrorAs(t, err, &exitErr, "args %v", args)
		assert.Equal(t, exitUsage, exitErr.ExitCode())
	}
}

func TestRun_Help(t *testing.T) {
	assert.NoError(t, run([]string{"-h"}))
}

func TestRun_UnknownFlag(t *testing.T) {
	err := run([]string{"-x", "127.0.0.1", "/dev/spidev0.0"})
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitUsage, exitErr.ExitCode())
}

func TestRun_MissingConfigFile(t *testing.T) {
	err := run([]string{"--config", filepath.Join(t.TempDir(), "missing.yml"), "127.0.0.1", "/dev/spidev0.0"})
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, bridge.ExitStartupFailed, exitErr.ExitCode())
}

func TestApp_InvalidTargetAddress(t *testing.T) {
	conf := testConfig()
	conf.UDP.TargetIP = "not.an.ip"
	conf.UDP.LocalPort = 0
	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, conf, nil, false)
	spiOpened := false
	app.openSPI = func(c.SPIConfig) (bridge.DeviceTransport, error) {
		spiOpened = true
		return &MockSPI{}, nil
	}

	err := waitForResult(t, startApp(app))
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, bridge.ExitStartupFailed, exitErr.ExitCode())
	assert.True(t, transport.IsKind(err, transport.InvalidAddress), "expected InvalidAddress, got %v", err)
	assert.False(t, spiOpened)
}

func TestApp_StartupFailureWinsOverInterrupt(t *testing.T) {
	for i := 0; i < 20; i++ {
		ossignal := make(chan os.Signal, 1)
		app := NewApp(ossignal, testConfig(), nil, false)
		app.openUDP = func(conf c.UDPConfig) (bridge.DatagramTransport, error) {
			return nil, &transport.Error{Kind: transport.BindFailed, Err: errors.New("address already in use")}
		}
		// the interrupt is already pending when the bridge fails
		ossignal <- os.Interrupt

		err := waitForResult(t, startApp(app))
		var exitErr *exitError
		require.ErrorAs(t, err, &exitErr, "iteration %d", i)
		assert.Equal(t, bridge.ExitStartupFailed, exitErr.ExitCode())
		assert.True(t, transport.IsKind(err, transport.BindFailed))
	}
}

func TestApp_InterruptStopsBridge(t *testing.T) {
	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, testConfig(), nil, false)
	rec := &openRecorder{}
	app.openUDP = rec.openUDP
	app.openSPI = rec.openSPI

	result := startApp(app)
	assert.Eventually(t, func() bool { return rec.opened() == 1 }, time.Second, 5*time.Millisecond)

	ossignal <- os.Interrupt
	assert.NoError(t, waitForResult(t, result))
	rec.assertClosedOnce(t)
}

func TestApp_StartupFailureExitsWithError(t *testing.T) {
	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, testConfig(), nil, false)
	app.openUDP = func(conf c.UDPConfig) (bridge.DatagramTransport, error) {
		return nil, &transport.Error{Kind: transport.InvalidAddress, Param: conf.TargetIP, Err: errors.New("not an IPv4 address")}
	}
	spiOpened := false
	app.openSPI = func(c.SPIConfig) (bridge.DeviceTransport, error) {
		spiOpened = true
		return &MockSPI{}, nil
	}

	err := waitForResult(t, startApp(app))
	var exitErr *exitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, bridge.ExitStartupFailed, exitErr.ExitCode())
	assert.False(t, spiOpened)
}

func TestApp_ReloadWithoutConfigFileIsIgnored(t *testing.T) {
	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, testConfig(), nil, false)
	rec := &openRecorder{}
	app.openUDP = rec.openUDP
	app.openSPI = rec.openSPI

	result := startApp(app)
	assert.Eventually(t, func() bool { return rec.opened() == 1 }, time.Second, 5*time.Millisecond)

	ossignal <- syscall.SIGHUP
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.opened())

	ossignal <- os.Interrupt
	assert.NoError(t, waitForResult(t, result))
	rec.assertClosedOnce(t)
}

func TestApp_ReloadRestartsBridge(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), c.CONFILE)
	require.NoError(t, os.WriteFile(cfile, []byte(reloadConfig), 0o644))
	opts := []c.Option{c.WithTargetIP("127.0.0.1"), c.WithDevice("/dev/spidev0.0")}
	conf, err := c.ReadConfig(cfile, opts...)
	require.NoError(t, err)

	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, conf, opts, false)
	rec := &openRecorder{}
	app.openUDP = rec.openUDP
	app.openSPI = rec.openSPI

	result := startApp(app)
	assert.Eventually(t, func() bool { return rec.opened() == 1 }, time.Second, 5*time.Millisecond)

	ossignal <- syscall.SIGHUP
	assert.Eventually(t, func() bool { return rec.opened() == 2 }, 2*time.Second, 5*time.Millisecond)

	ossignal <- os.Interrupt
	assert.NoError(t, waitForResult(t, result))
	rec.assertClosedOnce(t)
}

func TestApp_InvalidReloadKeepsBridge(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), c.CONFILE)
	require.NoError(t, os.WriteFile(cfile, []byte(reloadConfig), 0o644))
	opts := []c.Option{c.WithTargetIP("127.0.0.1"), c.WithDevice("/dev/spidev0.0")}
	conf, err := c.ReadConfig(cfile, opts...)
	require.NoError(t, err)

	ossignal := make(chan os.Signal, 1)
	app := NewApp(ossignal, conf, opts, false)
	rec := &openRecorder{}
	app.openUDP = rec.openUDP
	app.openSPI = rec.openSPI

	result := startApp(app)
	assert.Eventually(t, func() bool { return rec.opened() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(cfile, []byte("SPI:\n  Mode: 7\n"), 0o644))
	ossignal <- syscall.SIGHUP
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.opened(), "invalid config must not replace the bridge")

	ossignal <- os.Interrupt
	assert.NoError(t, waitForResult(t, result))
	rec.assertClosedOnce(t)
}
