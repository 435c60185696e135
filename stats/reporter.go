package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"lautenbacher.net/spibridge/config"
)

// Sample is the activity of one reporting interval.
type Sample struct {
	Taken    time.Time `json:"taken"`
	UDPToSPI uint64    `json:"udp_to_spi"`
	SPIToUDP uint64    `json:"spi_to_udp"`
	Problems uint64    `json:"problems"`
}

// Report is what the reporter publishes after every interval.
type Report struct {
	Snapshot Snapshot `json:"snapshot"`
	UDPToSPI Summary  `json:"udp_to_spi_per_interval"`
	SPIToUDP Summary  `json:"spi_to_udp_per_interval"`
	Samples  int      `json:"samples"`
}

// Reporter turns the running counters into per-interval samples, keeps
// the most recent ones and publishes a Report after every interval.
type Reporter struct {
	counters *Counters
	interval time.Duration
	size     int
	mu       sync.Mutex
	history  *deque.Deque[Sample]
	previous Snapshot
	Latest   *Latest[Report]
}

func NewReporter(counters *Counters, conf config.StatsConfig) *Reporter {
	size := max(conf.History, 1)
	history := new(deque.Deque[Sample])
	history.Grow(size)
	return &Reporter{
		counters: counters,
		interval: conf.Interval,
		size:     size,
		history:  history,
		previous: counters.Snapshot(),
		Latest:   NewLatest[Report](),
	}
}

// Run samples the counters every interval until stop is closed. A zero
// interval disables reporting. It should be called as a goroutine.
func (r *Reporter) Run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	if r.interval <= 0 {
		slog.Debug("Statistics reporting disabled")
		<-stop
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			slog.Info("Ending statistics reporter go-routine")
			return
		case <-ticker.C:
			report := r.Sample()
			slog.Info("Bridge statistics",
				"uptime", report.Snapshot.Uptime,
				UDPToSPI, report.Snapshot.UDPToSPI.Forwarded,
				SPIToUDP, report.Snapshot.SPIToUDP.Forwarded,
				"mismatches", report.Snapshot.UDPToSPI.Mismatches+report.Snapshot.SPIToUDP.Mismatches,
				"errors", report.Snapshot.UDPToSPI.Errors+report.Snapshot.SPIToUDP.Errors)
		}
	}
}

// Sample records the activity since the previous call and publishes the
// resulting Report.
func (r *Reporter) Sample() Report {
	r.mu.Lock()
	now := r.counters.Snapshot()
	prev := r.previous
	r.previous = now

	if r.history.Len() == r.size {
		r.history.PopFront()
	}
	r.history.PushBack(Sample{
		Taken:    now.Taken,
		UDPToSPI: now.UDPToSPI.Forwarded - prev.UDPToSPI.Forwarded,
		SPIToUDP: now.SPIToUDP.Forwarded - prev.SPIToUDP.Forwarded,
		Problems: problems(now) - problems(prev),
	})

	udp := make([]uint64, r.history.Len())
	spi := make([]uint64, r.history.Len())
	for i := range r.history.Len() {
		s := r.history.At(i)
		udp[i] = s.UDPToSPI
		spi[i] = s.SPIToUDP
	}
	r.mu.Unlock()

	report := Report{
		Snapshot: now,
		UDPToSPI: Summarize(udp),
		SPIToUDP: Summarize(spi),
		Samples:  len(udp),
	}
	r.Latest.Publish(report)
	return report
}

// History returns a copy of the kept samples, oldest first.
func (r *Reporter) History() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Sample, r.history.Len())
	for i := range ret {
		ret[i] = r.history.At(i)
	}
	return ret
}

func problems(s Snapshot) uint64 {
	return s.UDPToSPI.Mismatches + s.UDPToSPI.Errors + s.SPIToUDP.Mismatches + s.SPIToUDP.Errors
}
