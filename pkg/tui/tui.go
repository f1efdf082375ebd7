// Package tui is a terminal chat client driven by a session.Orchestrator.
//
// Commands in the chat input:
//
//	/attach <path> - attach a file to the next message
//	/new           - start a new session
//	/exit          - quit
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
	"github.com/nstogner/threadrun/pkg/session"
)

type state int

const (
	stateMenu state = iota
	stateSelectingThread
	stateChatting
)

var menuOptions = []string{"New Session", "Continue Session"}

// Options configure the sessions started from the UI.
type Options struct {
	Details     domain.AssistantDetails
	SeedMessage string
	// ResolveAssistant returns the assistant used to resume a thread.
	ResolveAssistant func(ctx context.Context) (string, error)
}

type errMsg struct{ err error }
type eventMsg session.Event
type opDoneMsg struct{ err error }
type threadsMsg []domain.HistoryEntry

// Model is the bubbletea model of the chat client.
type Model struct {
	ctx     context.Context
	orch    *session.Orchestrator
	events  <-chan session.Event
	history history.Store
	opts    Options

	// State
	state      state
	threads    []domain.HistoryEntry
	cursor     int
	listOffset int
	width      int
	height     int
	err        error
	status     string
	busy       bool
	percent    float64
	pending    []domain.File

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	progress progress.Model

	// Data
	messages []domain.Message
	renderer *glamour.TermRenderer
}

// New creates the UI model. events must be a subscription to the
// orchestrator's observer.
func New(ctx context.Context, orch *session.Orchestrator, events <-chan session.Event, store history.Store, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return Model{
		ctx:      ctx,
		orch:     orch,
		events:   events,
		history:  store,
		opts:     opts,
		state:    stateMenu,
		viewport: vp,
		textarea: ta,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		renderer: r,
	}
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting so menu selection does not leak into it.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				return m.selectMenu()
			case stateSelectingThread:
				return m.selectThread()
			case stateChatting:
				m.err = nil
				return m.submitInput()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			if m.cursor < m.maxCursor() {
				m.cursor++
				if m.cursor >= m.listOffset+m.maxViewable() {
					m.listOffset = m.cursor - m.maxViewable() + 1
				}
			}
		}

	case eventMsg:
		m.applyEvent(session.Event(msg))
		cmds = append(cmds, waitForEvent(m.events))

	case opDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
		}

	case threadsMsg:
		if len(msg) == 0 {
			m.err = fmt.Errorf("no existing threads found")
			break
		}
		m.threads = msg
		m.state = stateSelectingThread
		m.cursor = 0
		m.listOffset = 0

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width
	m.textarea.SetWidth(width)
	m.progress.Width = max(width-4, 10)
	m.viewport.Height = max(height-m.textarea.Height()-5, 0)
	m.viewport.YPosition = 2

	m.renderer, _ = glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	m.refreshTranscript()

	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+m.maxViewable() {
		m.listOffset = m.cursor - m.maxViewable() + 1
	}
	m.listOffset = max(m.listOffset, 0)
}

func (m Model) maxViewable() int {
	return max(m.height-7, 1)
}

func (m Model) maxCursor() int {
	switch m.state {
	case stateMenu:
		return len(menuOptions) - 1
	case stateSelectingThread:
		return len(m.threads) - 1
	}
	return 0
}

func (m *Model) applyEvent(e session.Event) {
	switch e.Type {
	case session.EventMessages:
		m.messages = e.Messages
		m.refreshTranscript()
	case session.EventStatus:
		m.status = e.Status
	case session.EventProgress:
		m.percent = float64(e.Progress) / 100
	case session.EventError:
		if e.Err != nil {
			m.err = e.Err
		} else if e.Error != "" {
			m.err = errors.New(e.Error)
		}
	}
}

func (m *Model) refreshTranscript() {
	if m.state != stateChatting {
		return
	}
	m.viewport.SetContent(renderTranscript(m.renderer, m.messages))
	m.viewport.GotoBottom()
}

// Actions

func (m Model) selectMenu() (Model, tea.Cmd) {
	if m.cursor == 0 {
		return m.startSession()
	}
	return m, m.loadThreads()
}

func (m Model) startSession() (Model, tea.Cmd) {
	m.enterChat()
	m.busy = true
	orch, ctx, opts := m.orch, m.ctx, m.opts
	return m, func() tea.Msg {
		if err := orch.Reset(ctx); err != nil {
			return opDoneMsg{err}
		}
		return opDoneMsg{orch.StartNewSession(ctx, opts.Details, nil, opts.SeedMessage)}
	}
}

func (m Model) selectThread() (Model, tea.Cmd) {
	if m.cursor >= len(m.threads) {
		return m, nil
	}
	entry := m.threads[m.cursor]
	m.enterChat()
	m.messages = entry.Messages
	m.refreshTranscript()
	m.busy = true

	orch, ctx, resolve := m.orch, m.ctx, m.opts.ResolveAssistant
	return m, func() tea.Msg {
		if resolve == nil {
			return opDoneMsg{fmt.Errorf("resuming threads requires an assistant")}
		}
		assistantID, err := resolve(ctx)
		if err != nil {
			return opDoneMsg{fmt.Errorf("resolving assistant: %w", err)}
		}
		return opDoneMsg{orch.ResumeSession(ctx, assistantID, "", entry.ID)}
	}
}

func (m *Model) enterChat() {
	m.state = stateChatting
	m.cursor = 0
	m.listOffset = 0
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()
}

func (m Model) submitInput() (Model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" && len(m.pending) == 0 {
		return m, nil
	}

	switch {
	case v == "/exit":
		return m, tea.Quit
	case v == "/new":
		m.textarea.Reset()
		m.messages = nil
		return m.startSession()
	case strings.HasPrefix(v, "/attach "):
		m.textarea.Reset()
		f, err := domain.ReadFile(strings.TrimSpace(strings.TrimPrefix(v, "/attach ")))
		if err != nil {
			m.err = err
			return m, nil
		}
		m.pending = append(m.pending, f)
		m.status = fmt.Sprintf("Attached %s (%d files pending)", f.Name, len(m.pending))
		return m, nil
	}

	if m.busy {
		m.err = session.ErrBusy
		return m, nil
	}

	m.textarea.Reset()
	files := m.pending
	m.pending = nil
	m.busy = true

	orch, ctx := m.orch, m.ctx
	return m, func() tea.Msg {
		err := orch.SendMessage(ctx, v, files, nil)
		if err != nil {
			slog.Debug("Send failed", "error", err)
		}
		return opDoneMsg{err}
	}
}

func (m Model) loadThreads() tea.Cmd {
	store, ctx := m.history, m.ctx
	return func() tea.Msg {
		if store == nil {
			return errMsg{fmt.Errorf("no history store configured")}
		}
		entries, err := store.ListValid(ctx)
		if err != nil {
			return errMsg{err}
		}
		return threadsMsg(entries)
	}
}

func waitForEvent(ch <-chan session.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}
