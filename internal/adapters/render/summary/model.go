package summary

import (
	"errors"
	"io"

	"github.com/bnema/perfpilot/internal/application"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

const defaultDecisions = 5

// sectionsReadyMsg carries the rendered summary blocks.
type sectionsReadyMsg struct {
	sections []string
}

type model struct {
	summary  application.Summary
	opts     RenderOptions
	styles   styles
	sections []string
}

func newModel(summary application.Summary, opts RenderOptions) model {
	if opts.Now.IsZero() {
		opts.Now = summary.GeneratedAt
	}
	if opts.Decisions == 0 {
		opts.Decisions = defaultDecisions
	}

	return model{
		summary: summary,
		opts:    opts,
		styles:  newStyles(),
	}
}

func (m model) Init() tea.Cmd {
	summary, opts, s := m.summary, m.opts, m.styles
	return func() tea.Msg {
		return sectionsReadyMsg{sections: renderSections(summary, opts, s)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case sectionsReadyMsg:
		m.sections = msg.sections
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left, m.sections...)
}

// Render lays out the summary. A zero Now falls back to the summary's
// generation time and a zero Decisions lists the five most recent.
func Render(summary application.Summary, opts RenderOptions) (string, error) {
	p := tea.NewProgram(
		newModel(summary, opts),
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := finalModel.(model)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}
