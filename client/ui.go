package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/villagehq/villagechat/model"
	"github.com/villagehq/villagechat/sync"
)

// typingQuiet is how long after the last keystroke the client
// announces that composition stopped.
const typingQuiet = 3 * time.Second

type storeUpdateMsg struct{ key string }
type presenceMsg struct{}
type connStateMsg struct{ state sync.ConnState }
type sendResultMsg struct{ err error }
type typingStopMsg struct{ at time.Time }

var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22AA44"))
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#DDAA22"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CC4444"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#55AAFF"))
	unreadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	activeStyle = lipgloss.NewStyle().Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
)

type modelState struct {
	sc       *sync.Client
	identity string

	chats    []sync.ChatSummary
	selected int
	current  int64 // chat id currently open, 0 when none

	viewport  viewport.Model
	textInput textinput.Model
	connState sync.ConnState
	lastKey   time.Time
	err       error
	ready     bool
}

func initialModel(sc *sync.Client, identity string) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.Focus()
	ti.CharLimit = 1024
	ti.Width = 20

	return modelState{
		sc:        sc,
		identity:  identity,
		textInput: ti,
		connState: sc.Conn.State(),
		chats:     sync.ChatList(sc.Store),
	}
}

func (m modelState) Init() tea.Cmd {
	return textinput.Blink
}

func (m modelState) openSelected() (modelState, tea.Cmd) {
	if len(m.chats) == 0 {
		return m, nil
	}
	if m.selected >= len(m.chats) {
		m.selected = 0
	}
	chatID := m.chats[m.selected].ID
	if m.current == chatID {
		return m, nil
	}
	if m.current != 0 {
		m.sc.CloseChat(m.current)
	}
	m.current = chatID
	sc := m.sc
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sendResultMsg{err: sc.OpenChat(ctx, chatID)}
	}
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyTab:
			if len(m.chats) > 0 {
				m.selected = (m.selected + 1) % len(m.chats)
				var cmd tea.Cmd
				m, cmd = m.openSelected()
				return m, cmd
			}

		case tea.KeyEnter:
			if m.textInput.Value() != "" && m.current != 0 {
				body := m.textInput.Value()
				m.textInput.SetValue("")
				m.sc.Presence.SetTyping(m.current, false)
				chatID := m.current
				sc := m.sc
				return m, func() tea.Msg {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_, err := sc.Reconciler.Submit(ctx, chatID, body, model.KindText, nil)
					return sendResultMsg{err: err}
				}
			}

		default:
			if m.current != 0 {
				m.lastKey = time.Now()
				m.sc.Presence.SetTyping(m.current, true)
				at := m.lastKey
				tiCmd = tea.Tick(typingQuiet, func(time.Time) tea.Msg {
					return typingStopMsg{at: at}
				})
			}
		}

	case typingStopMsg:
		// Only the tick armed by the latest keystroke stops the
		// announcement; earlier ones are stale.
		if m.current != 0 && msg.at.Equal(m.lastKey) {
			m.sc.Presence.SetTyping(m.current, false)
		}
		return m, nil

	case storeUpdateMsg:
		m.chats = sync.ChatList(m.sc.Store)
		if m.current == 0 {
			var cmd tea.Cmd
			m, cmd = m.openSelected()
			return m, cmd
		}
		if msg.key == sync.ChatKey(m.current) {
			m.renderMessages()
		}
		return m, nil

	case presenceMsg:
		return m, nil // state is read in View

	case connStateMsg:
		m.connState = msg.state
		return m, nil

	case sendResultMsg:
		m.err = msg.err
		if m.current != 0 {
			m.renderMessages()
		}
		return m, nil

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 3
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent("")
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.textInput.Width = msg.Width
		m.renderMessages()
	}

	m.textInput, tiCmd = batchInput(m.textInput, msg, tiCmd)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func batchInput(ti textinput.Model, msg tea.Msg, prev tea.Cmd) (textinput.Model, tea.Cmd) {
	ti, cmd := ti.Update(msg)
	if prev == nil {
		return ti, cmd
	}
	return ti, tea.Batch(prev, cmd)
}

func (m *modelState) renderMessages() {
	if !m.ready || m.current == 0 {
		return
	}
	msgs := sync.Messages(m.sc.Store, m.current)
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, formatMessage(msg, m.identity))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", max(m.viewport.Width, 1))),
		m.footerView(),
	)
}

func (m modelState) headerView() string {
	var status string
	switch m.connState {
	case sync.StateConnected:
		status = statusOK.Render("● connected")
	case sync.StateConnecting:
		status = statusWarn.Render("● connecting")
	default:
		status = statusBad.Render("● offline (polling)")
	}

	parts := []string{status}
	for i, ch := range m.chats {
		label := fmt.Sprintf("#%d %s", ch.ID, ch.Member)
		if ch.Unread > 0 {
			label += unreadStyle.Render(fmt.Sprintf(" (%d)", ch.Unread))
		}
		if i == m.selected {
			label = activeStyle.Render(label)
		}
		parts = append(parts, label)
	}
	parts = append(parts, dimStyle.Render(fmt.Sprintf("%d online", len(m.sc.Presence.Online()))))
	return strings.Join(parts, borderStyle.Render(" │ "))
}

func (m modelState) footerView() string {
	var hint string
	if m.current != 0 {
		if typing := m.sc.Presence.TypingIn(m.current); len(typing) > 0 {
			hint = dimStyle.Render(strings.Join(typing, ", ") + " is typing…")
		}
	}
	if m.err != nil {
		hint = statusBad.Render("send failed, message not delivered. press enter to retry")
	}
	return m.textInput.View() + "\n" + hint
}

func formatMessage(msg model.Message, self string) string {
	timeStr := dimStyle.Render(msg.CreatedAt.Format("15:04"))

	sender := msg.Sender
	if sender == self {
		sender = "you"
	}
	name := senderStyle.Render(fmt.Sprintf("%-12s", sender))

	body := msg.Body
	if msg.Attachment != nil {
		body += dimStyle.Render(fmt.Sprintf(" [%s: %s]", msg.Kind, msg.Attachment.Name))
	}
	if msg.Pending {
		return dimStyle.Render(fmt.Sprintf("%s %s %s ⋯", timeStr, name, body))
	}
	return fmt.Sprintf("%s %s %s", timeStr, name, body)
}
