package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
)

func (m Model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		return m.listView("Main Menu", menuOptions, errorView)
	case stateSelectingThread:
		titles := make([]string, len(m.threads))
		for i, e := range m.threads {
			titles[i] = fmt.Sprintf("%s (%d messages)", history.Title(e), len(e.Messages))
		}
		return m.listView("Select Thread", titles, errorView)
	}

	status := m.status
	if m.busy {
		status = lipgloss.JoinVertical(lipgloss.Left, status, m.progress.ViewAs(m.percent))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(m.title()),
		"",
		m.viewport.View(),
		statusStyle.Render(status),
		errorView,
		m.textarea.View(),
	)
}

func (m Model) title() string {
	if m.opts.Details.Name != "" {
		return m.opts.Details.Name
	}
	return "threadrun"
}

func (m Model) listView(header string, options []string, errorView string) string {
	start := m.listOffset
	end := min(start+m.maxViewable(), len(options))

	var optionsView []string
	for i := start; i < end; i++ {
		cursor := " "
		line := options[i]
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}

	list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
	footer := "Press Enter to select, Esc to quit."

	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(header), "", list, "", footer, errorView)
}

// renderTranscript renders messages as markdown, falling back to plain text.
func renderTranscript(r *glamour.TermRenderer, msgs []domain.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		if msg.Role == domain.RoleUser {
			sb.WriteString(userStyle.Render("You: "))
		} else {
			sb.WriteString(senderStyle.Render("Assistant: "))
		}
		sb.WriteString("\n")

		content := msg.Content
		if r != nil {
			if rendered, err := r.Render(msg.Content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		sb.WriteString("\n")

		for _, f := range msg.Files {
			sb.WriteString(fileStyle.Render(fmt.Sprintf("📎 %s (%s, %d bytes)", f.Name, f.Type, f.Size)))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
