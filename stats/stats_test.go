package stats

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/spibridge/config"
)

func TestSummarize(t *testing.T) {
	data := []uint64{50, 10, 30, 20, 40}

	s := Summarize(data)

	assert.Equal(t, uint64(10), s.Min)
	assert.Equal(t, uint64(50), s.Max)
	assert.Equal(t, 30.0, s.Mean)
	assert.Equal(t, 30.0, s.Median)
	// sqrt(((10-30)^2 + (20-30)^2 + 0 + (40-30)^2 + (50-30)^2) / 5) = sqrt(200)
	assert.InDelta(t, math.Sqrt(200), s.StdDev, 1e-9)
	assert.Equal(t, []uint64{50, 10, 30, 20, 40}, data, "input must not be reordered")
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestSummarize_EvenLength(t *testing.T) {
	s := Summarize([]uint64{10, 20, 30, 40})
	assert.Equal(t, 25.0, s.Median)
}

func TestSummarize_LargeValues(t *testing.T) {
	s := Summarize([]uint64{math.MaxUint64, math.MaxUint64})
	assert.Equal(t, float64(math.MaxUint64), s.Median)
	assert.Equal(t, uint64(math.MaxUint64), s.Max)
}

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UDPToSPI.Received()
			c.UDPToSPI.Forwarded(3)
			c.SPIToUDP.TimedOut()
			c.SPIToUDP.Failed()
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, uint64(100), snap.UDPToSPI.Received)
	assert.Equal(t, uint64(100), snap.UDPToSPI.Forwarded)
	assert.Equal(t, uint64(300), snap.UDPToSPI.Bytes)
	assert.Equal(t, uint64(100), snap.SPIToUDP.Timeouts)
	assert.Equal(t, uint64(100), snap.SPIToUDP.Errors)
	assert.Equal(t, SPIToUDP, c.SPIToUDP.Name())
}

func TestReporter_HistoryIsBounded(t *testing.T) {
	c := NewCounters()
	r := NewReporter(c, config.StatsConfig{Interval: time.Second, History: 3})

	for i := 1; i <= 5; i++ {
		for j := 0; j < i; j++ {
			c.UDPToSPI.Forwarded(1)
		}
		r.Sample()
	}

	history := r.History()
	require.Len(t, history, 3, "only the newest samples are kept")
	assert.Equal(t, uint64(3), history[0].UDPToSPI)
	assert.Equal(t, uint64(4), history[1].UDPToSPI)
	assert.Equal(t, uint64(5), history[2].UDPToSPI)

	select {
	case <-r.Latest.Channel():
	default:
		t.Fatal("a report should have been published")
	}
	report := r.Latest.Value()
	assert.Equal(t, 3, report.Samples)
	assert.Equal(t, uint64(5), report.UDPToSPI.Max)
	assert.Equal(t, 4.0, report.UDPToSPI.Mean)
}

func TestReporter_RunStops(t *testing.T) {
	r := NewReporter(NewCounters(), config.StatsConfig{Interval: 10 * time.Millisecond, History: 5})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go r.Run(stop, &wg)

	assert.Eventually(t, func() bool { return len(r.History()) >= 2 }, time.Second, 5*time.Millisecond)

	close(stop)
	wg.Wait()
}

func TestReporter_DisabledWaitsForStop(t *testing.T) {
	r := NewReporter(NewCounters(), config.StatsConfig{Interval: 0, History: 5})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go r.Run(stop, &wg)

	close(stop)
	wg.Wait()
	assert.Empty(t, r.History())
}

func TestLatest_CoalescesNotifications(t *testing.T) {
	l := NewLatest[int]()
	l.Publish(1)
	l.Publish(2)
	l.Publish(3)

	select {
	case <-l.Channel():
	default:
		t.Fatal("should have received a notification")
	}
	select {
	case <-l.Channel():
		t.Fatal("notifications should be coalesced")
	default:
	}
	assert.Equal(t, 3, l.Value())
}

func TestLatest_Concurrency(t *testing.T) {
	l := NewLatest[int]()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			l.Publish(i)
		}
		close(done)
	}()

	lastRead := -1
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-l.Channel():
				val := l.Value()
				if val < lastRead {
					t.Errorf("read a stale value: got %d, last was %d", val, lastRead)
				}
				lastRead = val
			case <-done:
				return
			}
		}
	}()

	readerWg.Wait()
	assert.Equal(t, 999, l.Value())
}
