package collab

import "time"

// Clock is the time source for activity stamps and scheduled work.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc.
type Timer interface {
	Stop() bool
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// scheduled is a cancellable callback owned by a Coordinator. Both
// cancel and the firing check run under the coordinator mutex, so a
// callback that was already queued when cancel ran still does nothing.
type scheduled struct {
	timer Timer
	done  bool
}

func (s *scheduled) cancel() {
	if s == nil || s.done {
		return
	}
	s.done = true
	s.timer.Stop()
}
