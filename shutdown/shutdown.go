// Package shutdown holds the flag both forwarding loops watch to know
// when to stop.
package shutdown

import (
	"log/slog"
	"sync/atomic"
)

// Coordinator is a monotonic stop flag. It starts cleared, can be set
// exactly once and is never reset. It is safe for concurrent use; the
// zero value is ready to use.
//
// There is no blocking wait. Loops poll IsSet at their own
// cadence, so the time to stop is bounded by the longest poll interval.
type Coordinator struct {
	set    atomic.Bool
	reason atomic.Value // string
}

// New returns a cleared Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Trigger sets the flag. Only the first call has any effect; it returns
// true for that call and false for every later one.
func (c *Coordinator) Trigger(reason string) bool {
	if !c.set.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)
	slog.Info("Shutdown requested", "reason", reason)
	return true
}

// IsSet reports whether Trigger has been called.
func (c *Coordinator) IsSet() bool {
	return c.set.Load()
}

// Reason returns the reason given to the first Trigger call, or an empty
// string while the flag is cleared.
func (c *Coordinator) Reason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}
