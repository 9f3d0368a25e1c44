package collab

import (
	"log/slog"
	"time"
)

// Timings holds every interval the coordinator uses.
type Timings struct {
	Heartbeat         time.Duration // workflowOpened re-announce
	InactivityCheck   time.Duration // idle check tick
	InactivityTimeout time.Duration // idle time before auto-release
	HandoffDelay      time.Duration // wait before acquiring as next writer
	ExitReopenDelay   time.Duration // wait before re-opening after an exit intent with unsaved changes
	SendTimeout       time.Duration // per-message deadline on Channel.Send
}

func DefaultTimings() Timings {
	return Timings{
		Heartbeat:         5 * time.Minute,
		InactivityCheck:   time.Second,
		InactivityTimeout: 30 * time.Second,
		HandoffDelay:      100 * time.Millisecond,
		ExitReopenDelay:   5 * time.Second,
		SendTimeout:       5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTimings.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.Heartbeat <= 0 {
		t.Heartbeat = d.Heartbeat
	}
	if t.InactivityCheck <= 0 {
		t.InactivityCheck = d.InactivityCheck
	}
	if t.InactivityTimeout <= 0 {
		t.InactivityTimeout = d.InactivityTimeout
	}
	if t.HandoffDelay <= 0 {
		t.HandoffDelay = d.HandoffDelay
	}
	if t.ExitReopenDelay <= 0 {
		t.ExitReopenDelay = d.ExitReopenDelay
	}
	if t.SendTimeout <= 0 {
		t.SendTimeout = d.SendTimeout
	}
	return t
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(clk Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithTimings overrides intervals; zero fields keep their defaults.
func WithTimings(t Timings) Option {
	return func(c *Coordinator) {
		c.timings = t.withDefaults()
	}
}

// WithComparator replaces the handoff order. Every client on a workflow
// must use the same one.
func WithComparator(less Comparator) Option {
	return func(c *Coordinator) {
		if less != nil {
			c.less = less
		}
	}
}

func WithUnsavedState(u UnsavedState) Option {
	return func(c *Coordinator) {
		c.unsaved = u
	}
}

func WithExitHooks(h ExitHooks) Option {
	return func(c *Coordinator) {
		c.exits = h
	}
}
