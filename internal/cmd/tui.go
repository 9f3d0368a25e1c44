package cmd

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/roboricindustries/raycon-collab/pkg/collab"
)

type (
	snapshotMsg collab.Snapshot
	noticeMsg   string
	leaveMsg    struct{}
)

// tuiModel is the full-screen join view. Any key other than the bound
// ones counts as editing activity.
//
// Coordinator calls run as commands, off the event loop: they notify
// observers, which feed back through Program.Send.
type tuiModel struct {
	ctx    context.Context
	s      *session
	snap   collab.Snapshot
	notice string
	done   bool
}

func newTUIModel(ctx context.Context, s *session) tuiModel {
	return tuiModel{ctx: ctx, s: s, snap: s.c.Snapshot()}
}

func (m tuiModel) Init() tea.Cmd {
	return func() tea.Msg {
		m.s.c.Start(m.ctx)
		return snapshotMsg(m.s.c.Snapshot())
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = collab.Snapshot(msg)
	case noticeMsg:
		m.notice = string(msg)
	case leaveMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tuiModel) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch k.String() {
	case "ctrl+c", "esc":
		return m, m.leave
	case "q":
		m.done = true
		return m, tea.Quit
	case "a":
		return m, m.acquire
	case "r":
		return m, m.release
	case "d":
		m.s.dirty.Store(!m.s.dirty.Load())
		return m, nil
	default:
		return m, m.touch
	}
}

func (m tuiModel) acquire() tea.Msg {
	if !m.s.c.Acquire(m.ctx) {
		return noticeMsg("write access is held by someone else")
	}
	return nil
}

func (m tuiModel) release() tea.Msg {
	m.s.c.Release(m.ctx)
	return nil
}

func (m tuiModel) touch() tea.Msg {
	m.s.c.RecordActivity()
	return nil
}

func (m tuiModel) leave() tea.Msg {
	if m.s.exitIntent() {
		return leaveMsg{}
	}
	return noticeMsg("unsaved changes: press again to discard")
}

func (m tuiModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(renderStatus(m.snap, m.s.dirty.Load()))
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(readOnlyStyle.Render(m.notice) + "\n")
	}
	b.WriteString(mutedStyle.Render("a acquire · r release · d toggle unsaved · q quit · any other key = activity"))
	b.WriteString("\n")
	return b.String()
}
