// Package badge is the fire-and-forget status indicator for capture
// results. Updates never block and never fail the operation they annotate.
package badge

import (
	"log/slog"
	"sync/atomic"
)

// Status is one indicator state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Indicator receives status updates. Implementations must not block.
type Indicator interface {
	Set(status Status, detail string)
	Clear()
}

// LogIndicator records status transitions in the structured log. It stands
// in wherever no richer surface is attached.
type LogIndicator struct {
	log  *slog.Logger
	last atomic.Value
}

// NewLogIndicator constructs a LogIndicator.
func NewLogIndicator(log *slog.Logger) *LogIndicator {
	i := &LogIndicator{log: log}
	i.last.Store(StatusIdle)
	return i
}

// Set records a transition. Repeating the current status is a no-op so a
// burst of captures does not flood the log.
func (i *LogIndicator) Set(status Status, detail string) {
	if prev, ok := i.last.Load().(Status); ok && prev == status {
		return
	}
	i.last.Store(status)
	i.log.Info("badge.set", "status", string(status), "detail", detail)
}

// Clear resets to idle.
func (i *LogIndicator) Clear() {
	i.Set(StatusIdle, "")
}

// Current reports the last recorded status.
func (i *LogIndicator) Current() Status {
	s, _ := i.last.Load().(Status)
	return s
}

// Noop discards every update.
type Noop struct{}

func (Noop) Set(Status, string) {}
func (Noop) Clear()             {}
