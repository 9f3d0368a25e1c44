package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// Config holds the required collaborators of a Coordinator.
type Config struct {
	Channel  Channel
	Identity Identity
	Workflow WorkflowSource
}

// Coordinator is one client's view of the collaboration state for the
// workflow it has open.
type Coordinator struct {
	mu sync.Mutex

	channel  Channel
	identity Identity
	workflow WorkflowSource
	unsaved  UnsavedState
	exits    ExitHooks
	clock    Clock
	log      *slog.Logger
	timings  Timings
	less     Comparator
	router   *pubsub.Router

	running        bool
	closed         bool // workflowClosed is the last presence announcement
	unsubscribe    func()
	unregisterExit func()

	roster Roster
	lock   writeLock

	heartbeat  *scheduled
	inactivity *scheduled
	handoff    *scheduled
	reopen     *scheduled

	observers []func(Snapshot)

	sendFailures atomic.Int64
}

// New validates cfg and builds a stopped Coordinator.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.Channel == nil {
		return nil, errors.New("collab: channel is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("collab: identity is required")
	}
	if cfg.Workflow == nil {
		return nil, errors.New("collab: workflow source is required")
	}

	c := &Coordinator{
		channel:  cfg.Channel,
		identity: cfg.Identity,
		workflow: cfg.Workflow,
		clock:    SystemClock{},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		timings:  DefaultTimings(),
		less:     ByUserID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(slog.String("component", "collab"))

	c.router = pubsub.NewRouter(c.log)
	c.router.RegisterHandler(collaboration.CollaboratorsChanged, pubsub.JSONHandler(c.onCollaboratorsChanged))
	c.router.RegisterHandler(collaboration.WriteAccessAcquired, pubsub.JSONHandler(c.onWriteAccessAcquired))
	c.router.RegisterHandler(collaboration.WriteAccessReleased, pubsub.JSONHandler(c.onWriteAccessReleased))
	// Opened/closed are for the presence server; clients see them on
	// shared transports and drop them.
	ignore := func(context.Context, common.RawEnvelope) error { return nil }
	c.router.RegisterHandler(collaboration.WorkflowOpened, ignore)
	c.router.RegisterHandler(collaboration.WorkflowClosed, ignore)

	return c, nil
}

// outbox collects what a transition wants to send so it can be flushed
// after the mutex is released.
type outbox struct {
	msgs       []common.Envelope
	clearQueue bool
	changed    bool
	snap       Snapshot
	observers  []func(Snapshot)
}

// do runs fn as one transition.
func (c *Coordinator) do(ctx context.Context, fn func(out *outbox)) {
	out := &outbox{}
	c.mu.Lock()
	fn(out)
	if out.changed && len(c.observers) > 0 {
		out.snap = c.snapshotLocked()
		out.observers = slices.Clone(c.observers)
	}
	c.mu.Unlock()
	c.flush(ctx, out)
}

func (c *Coordinator) flush(ctx context.Context, out *outbox) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, msg := range out.msgs {
		sctx, cancel := context.WithTimeout(ctx, c.timings.SendTimeout)
		err := c.channel.Send(sctx, msg)
		cancel()
		if err != nil {
			c.sendFailures.Add(1)
			c.log.Warn("send failed", slog.String("type", msg.Meta.Type), slog.Any("err", err))
		}
	}
	if out.clearQueue {
		c.channel.ClearQueue()
	}
	for _, fn := range out.observers {
		fn(out.snap)
	}
}

// emitLocked queues a message for the active workflow. build receives
// the workflow id. Nothing is queued for the placeholder.
func (c *Coordinator) emitLocked(out *outbox, eventType string, build func(workflowID string) any) {
	wf := c.workflow.WorkflowID()
	if collaboration.IsPlaceholder(wf) {
		c.log.Debug("suppressed, no workflow open", slog.String("type", eventType))
		return
	}
	out.msgs = append(out.msgs, common.Envelope{
		Meta: common.NewMeta(eventType, c.identity.UserID()),
		Data: build(wf),
	})
}

// matchesLocked reports whether an inbound workflow id is the active one.
func (c *Coordinator) matchesLocked(workflowID string) bool {
	wf := c.workflow.WorkflowID()
	return !collaboration.IsPlaceholder(wf) && workflowID == wf
}

// scheduleLocked runs fn as its own transition after d unless cancelled.
func (c *Coordinator) scheduleLocked(d time.Duration, fn func(out *outbox)) *scheduled {
	s := &scheduled{}
	s.timer = c.clock.AfterFunc(d, func() {
		c.do(context.Background(), func(out *outbox) {
			if s.done {
				return
			}
			s.done = true
			fn(out)
		})
	})
	return s
}

// Acquire takes the write lock unless a remote participant holds it.
// Calling it while already holding the lock re-announces and refreshes
// the activity stamp.
func (c *Coordinator) Acquire(ctx context.Context) bool {
	var ok bool
	c.do(ctx, func(out *outbox) { ok = c.acquireLocked(out) })
	return ok
}

func (c *Coordinator) acquireLocked(out *outbox) bool {
	local := c.identity.UserID()
	if local == "" {
		c.log.Warn("acquire without a local user id")
		return false
	}
	if c.lock.state(local) == LockedByRemote {
		c.log.Debug("write access held elsewhere", slog.String("writer", c.lock.writer))
		return false
	}
	if c.lock.writer != local {
		out.changed = true
	}
	c.lock.writer = local
	c.lock.lastActivity = c.clock.Now()
	c.emitLocked(out, collaboration.WriteAccessAcquired, func(wf string) any {
		return collaboration.WriteAccessAcquiredV1{WorkflowID: wf, UserID: local}
	})
	return true
}

// Release gives up the write lock if the local participant holds it.
func (c *Coordinator) Release(ctx context.Context) bool {
	var ok bool
	c.do(ctx, func(out *outbox) { ok = c.releaseLocked(out) })
	return ok
}

func (c *Coordinator) releaseLocked(out *outbox) bool {
	local := c.identity.UserID()
	if c.lock.state(local) != LockedByLocal {
		return false
	}
	c.lock.writer = ""
	out.changed = true
	c.handoff.cancel()
	c.handoff = nil
	c.emitLocked(out, collaboration.WriteAccessReleased, func(wf string) any {
		return collaboration.WriteAccessReleasedV1{WorkflowID: wf, UserID: local}
	})
	c.handoffLocked(local)
	return true
}

// RecordActivity refreshes the activity stamp while the local participant
// holds the lock.
func (c *Coordinator) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lock.state(c.identity.UserID()) == LockedByLocal {
		c.lock.lastActivity = c.clock.Now()
	}
}

// CheckInactivity releases the lock if the local writer has been idle
// for at least the inactivity timeout, and reports whether it did.
func (c *Coordinator) CheckInactivity(ctx context.Context) bool {
	var released bool
	c.do(ctx, func(out *outbox) { released = c.checkInactivityLocked(out) })
	return released
}

func (c *Coordinator) checkInactivityLocked(out *outbox) bool {
	if c.lock.state(c.identity.UserID()) != LockedByLocal {
		return false
	}
	idle := c.clock.Now().Sub(c.lock.lastActivity)
	if idle < c.timings.InactivityTimeout {
		return false
	}
	c.log.Info("releasing idle write access", slog.Duration("idle", idle))
	return c.releaseLocked(out)
}

// handoffLocked schedules a local acquire when the local participant is
// next in line after releaser.
func (c *Coordinator) handoffLocked(releaser string) {
	next, ok := NextWriter(c.roster.All(), releaser, c.less)
	if !ok {
		return
	}
	local := c.identity.UserID()
	if next != local {
		c.log.Debug("handoff to peer", slog.String("next", next))
		return
	}
	c.handoff.cancel()
	c.log.Debug("handoff to local participant", slog.Duration("delay", c.timings.HandoffDelay))
	c.handoff = c.scheduleLocked(c.timings.HandoffDelay, func(out *outbox) {
		c.handoff = nil
		c.acquireLocked(out)
	})
}

func (c *Coordinator) handleInbound(env common.RawEnvelope) {
	err := c.router.Dispatch(context.Background(), env)
	if err != nil && errors.Is(err, pubsub.ErrPoison) {
		c.log.Debug("dropped malformed event", slog.String("id", env.Meta.ID))
	}
}

func (c *Coordinator) onCollaboratorsChanged(ctx context.Context, _ common.Meta, m collaboration.CollaboratorsChangedV1) error {
	c.do(ctx, func(out *outbox) {
		if !c.running || !c.matchesLocked(m.WorkflowID) {
			return
		}
		c.roster.Replace(m.Collaborators)
		out.changed = true

		// A writer that left without releasing leaves a stale lock
		// behind; its absence from the roster counts as a release.
		if c.lock.state(c.identity.UserID()) == LockedByRemote && !c.roster.Contains(c.lock.writer) {
			gone := c.lock.writer
			c.log.Info("writer left the workflow", slog.String("writer", gone))
			c.lock.writer = ""
			c.handoffLocked(gone)
		}
	})
	return nil
}

func (c *Coordinator) onWriteAccessAcquired(ctx context.Context, _ common.Meta, m collaboration.WriteAccessAcquiredV1) error {
	c.do(ctx, func(out *outbox) {
		if !c.running || !c.matchesLocked(m.WorkflowID) {
			return
		}
		local := c.identity.UserID()
		if c.lock.writer != m.UserID {
			out.changed = true
			if m.UserID == local {
				c.lock.lastActivity = c.clock.Now()
			}
		}
		c.lock.writer = m.UserID
	})
	return nil
}

func (c *Coordinator) onWriteAccessReleased(ctx context.Context, _ common.Meta, m collaboration.WriteAccessReleasedV1) error {
	c.do(ctx, func(out *outbox) {
		if !c.running || !c.matchesLocked(m.WorkflowID) {
			return
		}
		releaser := m.UserID
		if releaser == "" {
			releaser = c.lock.writer
		}
		if c.lock.writer != "" {
			out.changed = true
		}
		c.lock.writer = ""
		c.handoffLocked(releaser)
	})
	return nil
}

// Collaborators returns the roster in delivered order.
func (c *Coordinator) Collaborators() []Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.All()
}

// DisplayCollaborators returns the roster with the local participant first.
func (c *Coordinator) DisplayCollaborators() []Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.LocalFirst(c.identity.UserID())
}

// CurrentWriter resolves the writer against the roster. It reports false
// when unlocked or when the writer is not a known collaborator.
func (c *Coordinator) CurrentWriter() (Collaborator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.Find(c.lock.writer)
}

// CurrentWriterID returns the recorded writer id, "" when unlocked.
func (c *Coordinator) CurrentWriterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock.writer
}

func (c *Coordinator) State() LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock.state(c.identity.UserID())
}

func (c *Coordinator) IsLocalWriter() bool { return c.State() == LockedByLocal }
func (c *Coordinator) IsLocked() bool      { return c.State() != Unlocked }

// IsReadOnly reports whether someone else is the writer.
func (c *Coordinator) IsReadOnly() bool { return c.State() == LockedByRemote }

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SendFailures counts Channel.Send errors since construction.
func (c *Coordinator) SendFailures() int64 {
	return c.sendFailures.Load()
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	local := c.identity.UserID()
	s := Snapshot{
		WorkflowID:    c.workflow.WorkflowID(),
		LocalID:       local,
		Running:       c.running,
		State:         c.lock.state(local),
		WriterID:      c.lock.writer,
		Collaborators: c.roster.LocalFirst(local),
		LastActivity:  c.lock.lastActivity,
	}
	if w, ok := c.roster.Find(c.lock.writer); ok {
		s.Writer = &w
	}
	return s
}

// OnChange registers fn to receive a snapshot after every transition
// that changed the roster, the lock or the running flag. fn runs outside
// the coordinator mutex and may call back into it.
func (c *Coordinator) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}
