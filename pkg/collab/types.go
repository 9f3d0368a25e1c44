package collab

import (
	"time"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

// Collaborator is one roster entry as delivered by the server.
type Collaborator = collaboration.Collaborator

// User identifies a participant.
type User = collaboration.User

// LockState is the write lock as seen by the local client.
type LockState int

const (
	Unlocked LockState = iota
	LockedByLocal
	LockedByRemote
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LockedByLocal:
		return "locked_by_local"
	case LockedByRemote:
		return "locked_by_remote"
	default:
		return "unknown"
	}
}

// writeLock holds at most one writer. There is no queue: who goes next
// is recomputed from the roster on every release.
type writeLock struct {
	writer       string
	lastActivity time.Time
}

func (l writeLock) state(localID string) LockState {
	switch {
	case l.writer == "":
		return Unlocked
	case l.writer == localID:
		return LockedByLocal
	default:
		return LockedByRemote
	}
}

// Snapshot is a consistent, copied view of a coordinator.
type Snapshot struct {
	WorkflowID    string
	LocalID       string
	Running       bool
	State         LockState
	WriterID      string
	Writer        *Collaborator // nil when the writer is not in the roster
	Collaborators []Collaborator
	LastActivity  time.Time
}

func (s Snapshot) IsLocalWriter() bool { return s.State == LockedByLocal }
func (s Snapshot) IsLocked() bool      { return s.State != Unlocked }
func (s Snapshot) IsReadOnly() bool    { return s.IsLocked() && !s.IsLocalWriter() }
