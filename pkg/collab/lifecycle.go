package collab

import (
	"context"
	"log/slog"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

// Start subscribes to the channel, announces the workflow as open and
// starts the heartbeat and inactivity monitor. It is a no-op while running.
func (c *Coordinator) Start(ctx context.Context) {
	c.do(ctx, func(out *outbox) {
		if c.running {
			return
		}
		c.running = true
		out.changed = true
		c.unsubscribe = c.channel.Subscribe(c.handleInbound)
		if c.exits != nil {
			c.unregisterExit = c.exits.RegisterExitHook(c.handleExitIntent)
		}
		c.emitOpenedLocked(out)
		c.startHeartbeatLocked()
		c.startInactivityLocked()
		c.log.Info("collaboration started",
			slog.String("workflow", c.workflow.WorkflowID()),
			slog.String("user", c.identity.UserID()))
	})
}

// Stop announces the workflow as closed, stops timers, releases a locally
// held lock, drops anything the channel still has queued and
// unsubscribes. The close is skipped when an exit intent already sent one
// and nothing re-opened since. A second Stop sends nothing.
func (c *Coordinator) Stop(ctx context.Context) {
	c.do(ctx, func(out *outbox) {
		wasRunning := c.running
		c.running = false
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		if c.unregisterExit != nil {
			c.unregisterExit()
			c.unregisterExit = nil
		}
		switch {
		case wasRunning && !c.closed:
			c.emitClosedLocked(out)
		case wasRunning:
			c.roster.Remove(c.identity.UserID())
		}
		c.stopHeartbeatLocked()
		c.stopInactivityLocked()
		c.reopen.cancel()
		c.reopen = nil
		c.releaseLocked(out)
		c.handoff.cancel()
		c.handoff = nil
		out.clearQueue = true
		if wasRunning {
			out.changed = true
			c.log.Info("collaboration stopped", slog.String("workflow", c.workflow.WorkflowID()))
		}
	})
}

// handleExitIntent runs when the user is about to leave. The workflow is
// announced closed at once; with unsaved changes the exit may yet be
// cancelled, so it is re-opened after ExitReopenDelay. If the exit goes
// through, the process is gone before that fires.
func (c *Coordinator) handleExitIntent() {
	c.do(context.Background(), func(out *outbox) {
		if !c.running {
			return
		}
		c.emitClosedLocked(out)
		out.changed = true
		if c.unsaved == nil || !c.unsaved.HasUnsavedChanges() {
			return
		}
		c.reopen.cancel()
		c.reopen = c.scheduleLocked(c.timings.ExitReopenDelay, func(out *outbox) {
			c.reopen = nil
			if c.running {
				c.emitOpenedLocked(out)
			}
		})
	})
}

func (c *Coordinator) emitOpenedLocked(out *outbox) {
	c.closed = false
	c.emitLocked(out, collaboration.WorkflowOpened, func(wf string) any {
		return collaboration.WorkflowOpenedV1{WorkflowID: wf}
	})
}

// emitClosedLocked announces the close and drops the local participant
// from the roster; the server's next snapshot would do the same.
func (c *Coordinator) emitClosedLocked(out *outbox) {
	c.closed = true
	c.emitLocked(out, collaboration.WorkflowClosed, func(wf string) any {
		return collaboration.WorkflowClosedV1{WorkflowID: wf}
	})
	c.roster.Remove(c.identity.UserID())
}
