package bridge

import (
	"log/slog"
	"sync"

	"lautenbacher.net/spibridge/config"
	"lautenbacher.net/spibridge/shutdown"
	"lautenbacher.net/spibridge/stats"
	"lautenbacher.net/spibridge/transport"
)

// Exit codes returned by Runner.Run.
const (
	ExitOK            = 0
	ExitStartupFailed = 1
)

// UDPOpener and SPIOpener create the transports. They default to the
// transport package and are replaced in tests.
type (
	UDPOpener func(config.UDPConfig) (DatagramTransport, error)
	SPIOpener func(config.SPIConfig) (DeviceTransport, error)
)

// Runner owns one bridge instance: both transports, both loops and the
// coordinator that stops them.
type Runner struct {
	conf     config.Config
	flag     *shutdown.Coordinator
	counters *stats.Counters
	OpenUDP  UDPOpener
	OpenSPI  SPIOpener
	startErr error
}

func NewRunner(conf config.Config, counters *stats.Counters) *Runner {
	if counters == nil {
		counters = stats.NewCounters()
	}
	return &Runner{
		conf:     conf,
		flag:     shutdown.New(),
		counters: counters,
		OpenUDP:  openUDP,
		OpenSPI:  openSPI,
	}
}

func openUDP(conf config.UDPConfig) (DatagramTransport, error) {
	u, err := transport.OpenUDP(conf)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func openSPI(conf config.SPIConfig) (DeviceTransport, error) {
	s, err := transport.OpenSPI(conf)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Shutdown returns the coordinator observed by both loops.
func (r *Runner) Shutdown() *shutdown.Coordinator {
	return r.flag
}

// Err returns the error that made Run return ExitStartupFailed. It is only
// meaningful after Run has returned.
func (r *Runner) Err() error {
	return r.startErr
}

// Stop asks both loops to end. They notice within one receive timeout or
// poll interval.
func (r *Runner) Stop(reason string) {
	r.flag.Trigger(reason)
}

// Run opens both transports, forwards until the coordinator is triggered
// and closes the transports again. It returns ExitStartupFailed without
// starting any loop if a transport cannot be opened.
func (r *Runner) Run() int {
	udp, err := r.OpenUDP(r.conf.UDP)
	if err != nil {
		slog.Error("Failed to open UDP transport", "target", r.conf.UDP.TargetIP, "error", err)
		r.startErr = err
		return ExitStartupFailed
	}
	spi, err := r.OpenSPI(r.conf.SPI)
	if err != nil {
		slog.Error("Failed to open SPI transport", "device", r.conf.SPI.Device, "error", err)
		closeTransport("udp", udp)
		r.startErr = err
		return ExitStartupFailed
	}

	inbound := &udpToSPI{
		udp:     udp,
		spi:     spi,
		flag:    r.flag,
		timeout: r.conf.UDP.ReceiveTimeout,
		counter: r.counters.UDPToSPI,
	}
	outbound := &spiToUDP{
		spi:      spi,
		udp:      udp,
		flag:     r.flag,
		interval: r.conf.SPI.PollInterval,
		length:   r.conf.SPI.ReadLength,
		counter:  r.counters.SPIToUDP,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		inbound.run()
	}()
	go func() {
		defer wg.Done()
		outbound.run()
	}()
	slog.Info("Bridge running", "target", r.conf.UDP.TargetIP, "device", r.conf.SPI.Device)

	wg.Wait()

	closeTransport("udp", udp)
	closeTransport("spi", spi)
	slog.Info("Bridge stopped", "reason", r.flag.Reason())
	return ExitOK
}

func closeTransport(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		slog.Error("Error closing transport", "transport", name, "error", err)
	}
}
