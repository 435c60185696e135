// spibridge forwards datagrams received on a UDP port to an SPI device and
// periodically sends what the device returns back to a remote peer.
//
// Usage:
//
//	spibridge [-a] [-b] [-c] [--config FILE] [--monitor] <target_ip> <spi_device_path>
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"lautenbacher.net/spibridge/bridge"
	c "lautenbacher.net/spibridge/config"
	"lautenbacher.net/spibridge/logging"
	"lautenbacher.net/spibridge/monitor"
	"lautenbacher.net/spibridge/stats"
)

const (
	exitUsage      = 2
	monitorTimeout = 5 * time.Second
)

// exitError carries the process exit status out of run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			if coder.ExitCode() != exitUsage {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("spibridge", pflag.ContinueOnError)
	flagSet.BoolP("legacy-a", "a", false, "accepted for compatibility, no effect")
	broadcast := flagSet.BoolP("broadcast", "b", false, "enable UDP broadcast")
	flagSet.BoolP("legacy-c", "c", false, "accepted for compatibility, no effect")
	configFile := flagSet.String("config", "", "YAML configuration file (default: "+c.CONFILE+" if present)")
	monitorMode := flagSet.Bool("monitor", false, "show the traffic monitor")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(flagSet)
			return nil
		}
		printUsage(flagSet)
		return &exitError{code: exitUsage, err: err}
	}
	if *help {
		printUsage(flagSet)
		return nil
	}

	positional := flagSet.Args()
	if len(positional) < 2 {
		printUsage(flagSet)
		return &exitError{code: exitUsage, err: fmt.Errorf("expected <target_ip> <spi_device_path>, got %d arguments", len(positional))}
	}

	cfile := *configFile
	if cfile == "" {
		if _, err := os.Stat(c.CONFILE); err == nil {
			cfile = c.CONFILE
		}
	}
	opts := []c.Option{
		c.WithTargetIP(positional[0]),
		c.WithDevice(positional[1]),
		c.WithBroadcast(*broadcast),
	}

	conf, err := c.ReadConfig(cfile, opts...)
	if err != nil {
		return &exitError{code: bridge.ExitStartupFailed, err: err}
	}

	if err := logging.Init(conf.Logging, *monitorMode); err != nil {
		return &exitError{code: bridge.ExitStartupFailed, err: fmt.Errorf("can't initialise logging: %w", err)}
	}
	defer logging.Close()

	slog.Info("Starting spibridge", "config", cfile, "target", conf.UDP.TargetIP,
		"device", conf.SPI.Device, "broadcast", conf.UDP.Broadcast, "library", conf.SPI.Library)

	ossignal := make(chan os.Signal, 1)
	signal.Notify(ossignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ossignal)

	app := NewApp(ossignal, conf, opts, *monitorMode)
	return app.Run()
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: spibridge [flags] <target_ip> <spi_device_path>\n\nFlags:\n%s", flagSet.FlagUsages())
}

// App holds everything living as long as the process: statistics, the
// optional monitor and status server, and the current bridge instance,
// which is replaced on reload.
type App struct {
	ossignal    chan os.Signal
	conf        c.Config
	opts        []c.Option
	monitorMode bool

	counters *stats.Counters
	reporter *stats.Reporter
	viewer   *monitor.Viewer

	runner     *bridge.Runner
	runnerDone chan int
	openUDP    bridge.UDPOpener
	openSPI    bridge.SPIOpener

	configChanged chan struct{}
	stopsignal    chan struct{}
	shutdownWg    sync.WaitGroup
}

func NewApp(ossignal chan os.Signal, conf c.Config, opts []c.Option, monitorMode bool) *App {
	counters := stats.NewCounters()
	return &App{
		ossignal:      ossignal,
		conf:          conf,
		opts:          opts,
		monitorMode:   monitorMode,
		counters:      counters,
		reporter:      stats.NewReporter(counters, conf.Stats),
		configChanged: make(chan struct{}, 1),
		stopsignal:    make(chan struct{}),
	}
}

// Run starts the helpers and the first bridge instance and handles signals
// until the process should end.
func (a *App) Run() error {
	a.initialise()
	defer a.shutdown()

	a.startBridge(a.conf)

	for {
		select {
		case sig := <-a.ossignal:
			if sig == syscall.SIGHUP {
				slog.Info("Received HUP signal, reloading config...")
				a.reload()
				continue
			}
			slog.Info("Received signal, shutting down...", "signal", sig)
			a.runner.Stop(sig.String())
			return a.bridgeResult(<-a.runnerDone)
		case <-a.configChanged:
			a.reload()
		case code := <-a.runnerDone:
			if code == bridge.ExitOK {
				slog.Warn("Bridge stopped on its own, exiting")
			}
			return a.bridgeResult(code)
		}
	}
}

// bridgeResult turns the exit code of the current runner into the result
// of Run.
func (a *App) bridgeResult(code int) error {
	if code == bridge.ExitOK {
		return nil
	}
	return &exitError{code: code, err: fmt.Errorf("bridge failed to start: %w", a.runner.Err())}
}

func (a *App) initialise() {
	a.shutdownWg.Add(1)
	go a.reporter.Run(a.stopsignal, &a.shutdownWg)

	if a.conf.Stats.Listen != "" {
		a.shutdownWg.Add(1)
		go stats.Serve(a.conf.Stats.Listen, stats.Handler(a.counters, a.reporter), a.stopsignal, &a.shutdownWg)
	}

	if a.monitorMode {
		a.viewer = monitor.NewViewer(a.conf, a.reporter, a.ossignal)
		a.shutdownWg.Add(1)
		go a.viewer.Start(a.stopsignal, &a.shutdownWg)
		select {
		case <-a.viewer.Ready():
		case <-time.After(monitorTimeout):
			slog.Warn("Traffic monitor did not become ready in time")
		}
	}

	if a.conf.Configfile != "" {
		watcher, err := c.NewWatcher(a.conf.Configfile)
		if err != nil {
			slog.Error("Can't watch config file, reload only via HUP", "file", a.conf.Configfile, "error", err)
		} else {
			a.shutdownWg.Add(1)
			go c.Watch(watcher, a.conf.Configfile, a.configChanged, a.stopsignal, &a.shutdownWg)
		}
	}
}

func (a *App) shutdown() {
	close(a.stopsignal)
	a.shutdownWg.Wait()
	slog.Info("Shutdown complete")
}

func (a *App) startBridge(conf c.Config) {
	a.runner = bridge.NewRunner(conf, a.counters)
	if a.openUDP != nil {
		a.runner.OpenUDP = a.openUDP
	}
	if a.openSPI != nil {
		a.runner.OpenSPI = a.openSPI
	}
	a.runnerDone = make(chan int, 1)
	go func(r *bridge.Runner, done chan<- int) {
		done <- r.Run()
	}(a.runner, a.runnerDone)
}

// reload replaces the running bridge with one built from the re-read
// config file. An invalid file leaves the current bridge untouched.
func (a *App) reload() {
	if a.conf.Configfile == "" {
		slog.Info("No config file in use, nothing to reload")
		return
	}
	conf, err := c.ReadConfig(a.conf.Configfile, a.opts...)
	if err != nil {
		slog.Error("Invalid config, keeping current bridge", "file", a.conf.Configfile, "error", err)
		return
	}

	a.runner.Stop("reload")
	if code := <-a.runnerDone; code != bridge.ExitOK {
		// the old instance had already failed; Run reports it below
		a.runnerDone <- code
		return
	}

	if err := logging.Init(conf.Logging, a.viewer != nil); err != nil {
		slog.Error("Can't re-initialise logging", "error", err)
	} else if a.viewer != nil {
		if err := logging.SetOutput(a.viewer.LogWriter()); err != nil {
			slog.Error("Failed to redirect log output", "error", err)
		}
	}
	if a.viewer != nil {
		a.viewer.SetConfig(conf)
	}

	a.conf = conf
	slog.Info("Config reloaded, restarting bridge", "file", conf.Configfile)
	a.startBridge(conf)
}
