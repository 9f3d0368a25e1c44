package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roboricindustries/raycon-collab/pkg/collab"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	writerColor  = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	mutedColor   = lipgloss.Color("#9CA3AF")

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	writerStyle   = lipgloss.NewStyle().Bold(true).Foreground(writerColor)
	readOnlyStyle = lipgloss.NewStyle().Foreground(warningColor)
	mutedStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	boxStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// displayName prefers the full name, then the email, then the id.
func displayName(c collab.Collaborator) string {
	name := strings.TrimSpace(c.User.FirstName + " " + c.User.LastName)
	switch {
	case name != "":
		return name
	case c.User.Email != "":
		return c.User.Email
	default:
		return c.User.ID
	}
}

func writerName(s collab.Snapshot) string {
	if s.Writer != nil {
		return displayName(*s.Writer)
	}
	return s.WriterID
}

// stateLine is the one-line lock summary.
func stateLine(s collab.Snapshot) string {
	switch {
	case !s.Running:
		return mutedStyle.Render("not connected")
	case s.IsLocalWriter():
		return writerStyle.Render("you have write access")
	case s.IsReadOnly():
		return readOnlyStyle.Render("read-only: " + writerName(s) + " is editing")
	default:
		return mutedStyle.Render("nobody is editing")
	}
}

func renderWho(s collab.Snapshot) string {
	var r collab.Roster
	r.Replace(s.Collaborators)
	list := r.LocalFirst(s.LocalID)
	if len(list) == 0 {
		return mutedStyle.Render("no collaborators")
	}
	lines := make([]string, 0, len(list))
	for _, c := range list {
		line := "  " + displayName(c)
		if c.User.ID == s.LocalID {
			line += mutedStyle.Render(" (you)")
		}
		if c.User.ID == s.WriterID {
			line += " " + writerStyle.Render("✎ writing")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderStatus(s collab.Snapshot, dirty bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("workflow"), s.WorkflowID)
	b.WriteString(stateLine(s) + "\n")
	if dirty {
		b.WriteString(readOnlyStyle.Render("unsaved changes") + "\n")
	}
	fmt.Fprintf(&b, "%s %d\n", titleStyle.Render("collaborators"), len(s.Collaborators))
	b.WriteString(renderWho(s))
	return boxStyle.Render(b.String())
}
