package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roboricindustries/raycon-collab/internal/config"
	"github.com/roboricindustries/raycon-collab/pkg/collab"
)

// exitHooks stands in for a window's unload event: fire runs whatever the
// coordinator registered.
type exitHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
}

func (h *exitHooks) RegisterExitHook(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooks == nil {
		h.hooks = make(map[int]func())
	}
	h.next++
	id := h.next
	h.hooks[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.hooks, id)
	}
}

func (h *exitHooks) fire() int {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.hooks))
	for _, fn := range h.hooks {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// session is one participant driven from a terminal.
type session struct {
	c     *collab.Coordinator
	hooks *exitHooks
	dirty atomic.Bool

	outMu sync.Mutex
	out   io.Writer

	// warned is set once an exit was refused for unsaved changes.
	warned atomic.Bool
	last   collab.Snapshot
}

func newSession(c *config.Config, ch collab.Channel, out io.Writer, log *slog.Logger) (*session, error) {
	s := &session{hooks: &exitHooks{}, out: out}
	coord, err := collab.New(collab.Config{
		Channel:  ch,
		Identity: collab.StaticIdentity(c.Identity.UserID),
		Workflow: collab.StaticWorkflow(c.Workflow.ID),
	},
		collab.WithLogger(log),
		collab.WithTimings(c.Coordinator.Timings()),
		collab.WithUnsavedState(collab.UnsavedFunc(s.dirty.Load)),
		collab.WithExitHooks(s.hooks),
	)
	if err != nil {
		return nil, err
	}
	s.c = coord
	return s, nil
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// announce prints a line when the writer changes.
func (s *session) announce(snap collab.Snapshot) {
	s.outMu.Lock()
	prev := s.last
	s.last = snap
	s.outMu.Unlock()
	if prev.State == snap.State && prev.WriterID == snap.WriterID && prev.Running == snap.Running {
		return
	}
	s.printf("%s\n", stateLine(snap))
}

const replHelp = `commands:
  acquire        request write access
  release        give write access up
  touch          record activity (keeps write access)
  dirty on|off   mark unsaved changes
  status         show lock and roster
  who            list collaborators
  leave          simulate closing the window
  quit           stop and exit`

// exec runs one REPL command and reports whether the session should end.
func (s *session) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "acquire", "a":
		if s.c.Acquire(ctx) {
			s.printf("%s\n", writerStyle.Render("write access granted"))
		} else {
			s.printf("%s\n", stateLine(s.c.Snapshot()))
		}
	case "release", "r":
		if !s.c.Release(ctx) {
			s.printf("%s\n", mutedStyle.Render("you do not hold write access"))
		}
	case "touch", "t":
		s.c.RecordActivity()
	case "dirty", "d":
		on := len(fields) < 2 || fields[1] == "on"
		s.dirty.Store(on)
		s.printf("unsaved changes: %t\n", on)
	case "status", "s":
		s.printf("%s\n", renderStatus(s.c.Snapshot(), s.dirty.Load()))
	case "who", "w":
		s.printf("%s\n", renderWho(s.c.Snapshot()))
	case "leave", "l":
		return s.exitIntent()
	case "quit", "q", "exit":
		return true
	case "help", "h", "?":
		s.printf("%s\n", replHelp)
	default:
		s.printf("unknown command %q, try help\n", fields[0])
	}
	return false
}

// exitIntent fires the exit hooks. With unsaved changes the first attempt
// is refused; the coordinator re-announces itself after its reopen delay.
func (s *session) exitIntent() bool {
	s.hooks.fire()
	if s.dirty.Load() && s.warned.CompareAndSwap(false, true) {
		s.printf("%s\n", readOnlyStyle.Render("unsaved changes: leave again to discard them"))
		return false
	}
	return true
}

// repl reads commands from in until quit, EOF, a confirmed exit signal or
// ctx ends.
func (s *session) repl(ctx context.Context, in io.Reader, signals <-chan os.Signal) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || s.exec(ctx, line) {
				return
			}
		case <-signals:
			if s.exitIntent() {
				return
			}
		}
	}
}
