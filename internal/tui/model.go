// Package tui is the terminal chat client for one indexed collection.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docqa/internal/llm"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Asker answers a question about the loaded documents.
type Asker interface {
	Ask(ctx context.Context, question string) (*llm.Answer, error)
}

// askTimeout bounds one question, including query generation.
const askTimeout = 5 * time.Minute

type turn struct {
	question string
	answer   *llm.Answer
	err      error
}

type answerMsg struct {
	answer *llm.Answer
	err    error
}

// Model is the Bubble Tea model for the chat TUI.
type Model struct {
	asker    Asker
	title    string
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	turns    []turn
	pending  string
	status   string
	ready    bool
}

// New creates a chat model. title is shown in the header, e.g. the
// collection and model names.
func New(asker Asker, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question about your documents"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		asker:    asker,
		title:    title,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		status:   "Enter to ask, Ctrl+C to quit.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

// Busy reports whether a question is being answered.
func (m Model) Busy() bool { return m.pending != "" }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + ih + 1 + 1 // header, input box, status, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-bh)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.Busy() {
				return m, nil
			}
			m.input.Reset()
			m.pending = q
			m.status = "Thinking..."
			m.refresh()
			return m, tea.Batch(m.spinner.Tick, m.ask(q))
		}

	case answerMsg:
		m.turns = append(m.turns, turn{question: m.pending, answer: msg.answer, err: msg.err})
		m.pending = ""
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Answered with %s from %d sources.", msg.answer.Model, len(msg.answer.Sources))
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.Busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
		defer cancel()
		ans, err := m.asker.Ask(ctx, q)
		return answerMsg{answer: ans, err: err}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("docqa") + "  " + dimStyle.Render(m.title)
	status := statusStyle.Render(m.status)
	if m.Busy() {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		status
}

// refresh re-renders the transcript and scrolls to the newest turn.
func (m *Model) refresh() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m Model) transcript() string {
	if len(m.turns) == 0 && m.pending == "" {
		return dimStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for _, t := range m.turns {
		b.WriteString(userStyle.Render("You: ") + t.question + "\n")
		switch {
		case t.err != nil:
			b.WriteString(errorStyle.Render("An error occurred: "+t.err.Error()) + "\n\n")
		default:
			b.WriteString(renderAnswer(t.answer) + "\n\n")
		}
	}
	if m.pending != "" {
		b.WriteString(userStyle.Render("You: ") + m.pending + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderAnswer(a *llm.Answer) string {
	var b strings.Builder
	b.WriteString(botStyle.Render("Assistant: ") + a.Answer)
	if len(a.Queries) > 0 {
		b.WriteString("\n" + dimStyle.Render("queries: "+strings.Join(a.Queries, " | ")))
	}
	if len(a.Sources) > 0 {
		refs := make([]string, len(a.Sources))
		for i, s := range a.Sources {
			refs[i] = fmt.Sprintf("%s p.%d", s.Document, s.Page)
		}
		b.WriteString("\n" + dimStyle.Render("sources: "+strings.Join(refs, ", ")))
	}
	return b.String()
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	botStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)
