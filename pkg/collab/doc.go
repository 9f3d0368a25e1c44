// Package collab coordinates single-writer editing of a shared workflow
// among every participant that currently has it open.
//
// There is no lock server. Each client runs a [Coordinator] that applies
// the same deterministic rules to the same stream of events arriving over
// an at-least-once, unordered [Channel], and the write lock emerges from
// that agreement.
//
// # Components
//
//   - Roster: the participants viewing the workflow, replaced wholesale by
//     every collaboratorsChanged snapshot for the active workflow.
//   - Write lock: one slot holding the current writer. States are
//     [Unlocked], [LockedByLocal] and [LockedByRemote].
//   - Heartbeat: re-announces workflowOpened every Timings.Heartbeat so the
//     server keeps the local participant in the roster.
//   - Inactivity monitor: every Timings.InactivityCheck, releases the lock
//     if the local writer has been idle for Timings.InactivityTimeout.
//   - Handoff: after any release, removes the releaser from the roster,
//     orders the rest with the configured [Comparator] and, if the local
//     participant comes first, acquires after Timings.HandoffDelay.
//   - Lifecycle: Start/Stop plus the exit hook, which announces
//     workflowClosed at once and, when there are unsaved changes,
//     re-announces workflowOpened after Timings.ExitReopenDelay in case the
//     exit was cancelled.
//
// # Messages
//
// Outbound: workflowOpened, workflowClosed, writeAccessAcquired,
// writeAccessReleased. Inbound: collaboratorsChanged, writeAccessAcquired,
// writeAccessReleased. Nothing is sent while the workflow id is the
// placeholder, and inbound events for any other workflow are ignored.
//
// # Conflict rules
//
// Acquire refuses only when a remote participant is recorded as writer.
// An inbound writeAccessAcquired always wins over local memory, and an
// inbound writeAccessReleased always unlocks. Two clients that both
// compute themselves as next writer (for example under asymmetric
// delivery latency) will both acquire; the last acquisition each client
// processes wins. The handoff delay narrows that window but does not
// close it.
//
// # Thread Safety
//
// A Coordinator is safe for concurrent use. Every entry point (timer tick,
// inbound event, direct call) runs to completion under one mutex, so no
// two transitions interleave. Messages are sent and observers notified
// after the mutex is released; a transport may therefore deliver a
// message straight back into the coordinator that sent it.
package collab
