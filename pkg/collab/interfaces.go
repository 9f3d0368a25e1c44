package collab

import (
	"context"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// Channel is the bidirectional event transport. Delivery is at-least-once
// and may reorder messages from different senders.
type Channel interface {
	// Send publishes msg. A transport that is disconnected may queue it.
	Send(ctx context.Context, msg common.Envelope) error
	// Subscribe registers handler for every inbound message. The returned
	// func unsubscribes and must tolerate repeated calls.
	Subscribe(handler func(common.RawEnvelope)) (unsubscribe func())
	// ClearQueue drops anything queued but not yet sent.
	ClearQueue()
}

// Identity yields the local participant id.
type Identity interface {
	UserID() string
}

// WorkflowSource yields the id of the workflow currently open, or the
// placeholder when none is.
type WorkflowSource interface {
	WorkflowID() string
}

// UnsavedState reports whether the surrounding application has unsaved
// changes.
type UnsavedState interface {
	HasUnsavedChanges() bool
}

// ExitHooks registers a callback for "the user is leaving". The returned
// func removes it.
type ExitHooks interface {
	RegisterExitHook(fn func()) (unregister func())
}

// StaticIdentity is an Identity with a fixed id.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }

// StaticWorkflow is a WorkflowSource with a fixed id.
type StaticWorkflow string

func (s StaticWorkflow) WorkflowID() string { return string(s) }

// WorkflowIDFunc adapts a func to WorkflowSource.
type WorkflowIDFunc func() string

func (f WorkflowIDFunc) WorkflowID() string { return f() }

// UnsavedFunc adapts a func to UnsavedState.
type UnsavedFunc func() bool

func (f UnsavedFunc) HasUnsavedChanges() bool { return f() }
