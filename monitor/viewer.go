// Package monitor is a terminal UI showing what the bridge forwards.
package monitor

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"lautenbacher.net/spibridge/config"
	"lautenbacher.net/spibridge/logging"
	"lautenbacher.net/spibridge/stats"
)

const (
	viewerTitle = " SPIBRIDGE Traffic Monitor "
	colWidth    = 24
)

// Viewer shows per-direction traffic statistics and the log output.
type Viewer struct {
	tuiApp       *tview.Application
	intro        *tview.TextView
	traffic      *tview.TextView
	logView      *tview.TextView
	reporter     *stats.Reporter
	ossignal     chan os.Signal
	mu           sync.Mutex
	header       string
	logFlushOnce sync.Once
	readyChan    chan struct{}
}

func NewViewer(conf config.Config, reporter *stats.Reporter, ossignal chan os.Signal) *Viewer {
	return &Viewer{
		tuiApp:    tview.NewApplication(),
		reporter:  reporter,
		ossignal:  ossignal,
		header:    headerText(conf),
		readyChan: make(chan struct{}),
	}
}

// Ready is closed after the first draw, once log output goes to the log
// pane.
func (v *Viewer) Ready() <-chan struct{} {
	return v.readyChan
}

// LogWriter is where log output goes while the viewer is running.
func (v *Viewer) LogWriter() io.Writer {
	return tview.ANSIWriter(v.logView)
}

// SetConfig updates the header after a reload.
func (v *Viewer) SetConfig(conf config.Config) {
	v.mu.Lock()
	v.header = headerText(conf)
	text := v.header
	v.mu.Unlock()
	v.tuiApp.QueueUpdateDraw(func() {
		v.intro.SetText(text)
	})
}

// Start runs the TUI until stop is closed. It should be called as a
// goroutine.
func (v *Viewer) Start(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	v.setupUI()

	go func() {
		for {
			select {
			case <-stop:
				slog.Info("Stopping traffic monitor...")
				v.tuiApp.Stop()
				return
			case <-v.reporter.Latest.Channel():
				text := formatReport(v.reporter.Latest.Value())
				v.tuiApp.QueueUpdateDraw(func() {
					v.traffic.SetText(text)
				})
			}
		}
	}()

	if err := v.tuiApp.Run(); err != nil {
		slog.Error("Error running traffic monitor", "error", err)
		v.ossignal <- os.Interrupt
	}
	logging.BufferOutput()
	slog.Info("Traffic monitor has stopped.")
}

func (v *Viewer) setupUI() {
	v.mu.Lock()
	header := v.header
	v.mu.Unlock()

	v.intro = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	v.intro.SetText(header)
	v.intro.SetBorder(true).SetTitle(viewerTitle).SetTitleColor(tcell.ColorLightBlue)
	v.intro.SetBackgroundColor(tcell.NewRGBColor(20, 20, 20))

	v.traffic = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.traffic.SetText(formatReport(stats.Report{}))
	v.traffic.SetBorder(true).SetTitle(" Traffic per interval ").SetTitleColor(tcell.ColorLightBlue)
	v.traffic.SetBackgroundColor(tcell.ColorDarkSlateGray)

	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			v.logView.ScrollToEnd()
			v.tuiApp.Draw()
		})
	v.logView.SetBorder(true).SetTitle(" Logs ").SetTitleColor(tcell.ColorLightBlue)
	v.logView.SetBackgroundColor(tcell.NewRGBColor(40, 40, 40))

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.intro, 5, 0, false).
		AddItem(v.traffic, 6, 0, false).
		AddItem(v.logView, 0, 1, true)

	v.tuiApp.SetAfterDrawFunc(func(screen tcell.Screen) {
		v.logFlushOnce.Do(func() {
			if err := logging.SetOutput(v.LogWriter()); err != nil {
				slog.Error("Failed to redirect log output", "error", err)
			}
			close(v.readyChan)
		})
	})

	v.tuiApp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			v.ossignal <- os.Interrupt
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				v.ossignal <- os.Interrupt
				return nil
			case 'r', 'R':
				v.ossignal <- syscall.SIGHUP
				return nil
			}
		case tcell.KeyUp:
			row, col := v.logView.GetScrollOffset()
			v.logView.ScrollTo(row-1, col)
			return nil
		case tcell.KeyDown:
			row, col := v.logView.GetScrollOffset()
			v.logView.ScrollTo(row+1, col)
			return nil
		}
		return event
	})

	v.tuiApp.SetRoot(layout, true).SetFocus(v.logView)
}

func headerText(conf config.Config) string {
	mode := "unicast"
	if conf.UDP.Broadcast {
		mode = "broadcast"
	}
	line1 := fmt.Sprintf("[blue]%s:%d[-] (%s) <-> [blue]%s[-] (%s, mode %d, %d Hz)",
		conf.UDP.TargetIP, conf.UDP.RemotePort, mode,
		conf.SPI.Device, conf.SPI.Library, conf.SPI.Mode, conf.SPI.SpeedHz)
	line2 := "Hit [#ff0000]q[-] to exit, [#ff0000]r[-] to reload, [#ff0000]Up/Down[-] to scroll logs"
	return fmt.Sprintf("%s\n%s", line1, line2)
}

// formatReport renders the per-interval packet counts of both directions,
// one column per direction.
func formatReport(report stats.Report) string {
	var buft, bufm, bufb, bufp strings.Builder

	buft.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth, " Direction"))
	bufm.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth, " [min|mean|max]"))
	bufb.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth, " Standard Deviation"))
	bufp.WriteString(fmt.Sprintf("[yellow]%-*s[white]", colWidth, " Forwarded/Problems"))

	columns := []struct {
		name    string
		summary stats.Summary
		counts  stats.DirectionSnapshot
	}{
		{stats.UDPToSPI, report.UDPToSPI, report.Snapshot.UDPToSPI},
		{stats.SPIToUDP, report.SPIToUDP, report.Snapshot.SPIToUDP},
	}
	for _, col := range columns {
		buft.WriteString(fmt.Sprintf("[blue]%-*s[-]", colWidth, col.name))
		bufm.WriteString(fmt.Sprintf("%-*s", colWidth, fmt.Sprintf("[%5d|%5.0f|%5d]",
			col.summary.Min, math.Round(col.summary.Mean), col.summary.Max)))
		bufb.WriteString(fmt.Sprintf("%-*s", colWidth, fmt.Sprintf("%7.1f", col.summary.StdDev)))
		bufp.WriteString(fmt.Sprintf("%-*s", colWidth, fmt.Sprintf("%d/%d",
			col.counts.Forwarded, col.counts.Mismatches+col.counts.Errors)))
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s", buft.String(), bufm.String(), bufb.String(), bufp.String())
}
