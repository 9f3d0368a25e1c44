package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// fakeClock fires due callbacks synchronously from Advance, in time order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.stopped {
				continue
			}
			live = append(live, t)
			if t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		c.timers = live
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// recordingChannel records sends and lets a test push inbound events.
type recordingChannel struct {
	t       *testing.T
	mu      sync.Mutex
	sent    []common.RawEnvelope
	subs    map[int]func(common.RawEnvelope)
	nextID  int
	cleared int
	sendErr error
}

func newRecordingChannel(t *testing.T) *recordingChannel {
	return &recordingChannel{t: t, subs: map[int]func(common.RawEnvelope){}}
}

func (r *recordingChannel) Send(_ context.Context, msg common.Envelope) error {
	raw, err := common.ToRaw(msg)
	if err != nil {
		r.t.Fatalf("encode %s: %v", msg.Meta.Type, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, raw)
	return nil
}

func (r *recordingChannel) Subscribe(h func(common.RawEnvelope)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[id] = h
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *recordingChannel) ClearQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *recordingChannel) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// deliver pushes an inbound event to every subscriber.
func (r *recordingChannel) deliver(eventType string, data any) {
	r.t.Helper()
	raw, err := common.ToRaw(common.Envelope{Meta: common.NewMeta(eventType, "server"), Data: data})
	if err != nil {
		r.t.Fatalf("encode: %v", err)
	}
	r.mu.Lock()
	hs := make([]func(common.RawEnvelope), 0, len(r.subs))
	for _, h := range r.subs {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (r *recordingChannel) sentOf(eventType string) []common.RawEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []common.RawEnvelope
	for _, e := range r.sent {
		if e.Meta.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingChannel) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, e := range r.sent {
		out = append(out, e.Meta.Type)
	}
	return out
}

func (r *recordingChannel) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fakeExitHooks struct {
	mu    sync.Mutex
	hooks map[int]func()
	next  int
}

func (f *fakeExitHooks) RegisterExitHook(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hooks == nil {
		f.hooks = map[int]func(){}
	}
	f.next++
	id := f.next
	f.hooks[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.hooks, id)
	}
}

func (f *fakeExitHooks) fire() {
	f.mu.Lock()
	hs := make([]func(), 0, len(f.hooks))
	for _, h := range f.hooks {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func collaborators(ids ...string) []Collaborator {
	out := make([]Collaborator, 0, len(ids))
	for _, id := range ids {
		out = append(out, Collaborator{User: User{ID: id}})
	}
	return out
}

func rosterEvent(wf string, ids ...string) collaboration.CollaboratorsChangedV1 {
	return collaboration.CollaboratorsChangedV1{WorkflowID: wf, Collaborators: collaborators(ids...)}
}

const testWorkflow = "wf-1"

type harness struct {
	c     *Coordinator
	ch    *recordingChannel
	clock *fakeClock
}

func newHarness(t *testing.T, local string, opts ...Option) *harness {
	t.Helper()
	h := &harness{ch: newRecordingChannel(t), clock: newFakeClock()}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	c, err := New(Config{Channel: h.ch, Identity: StaticIdentity(local), Workflow: StaticWorkflow(testWorkflow)}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	return h
}

// started starts the coordinator and forgets the opening announcement.
func (h *harness) started(t *testing.T) *harness {
	t.Helper()
	h.c.Start(context.Background())
	h.ch.reset()
	return h
}
