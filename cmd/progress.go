package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// replayStep reports how far a scenario replay has advanced on virtual time.
type replayStep struct {
	Events   int
	Total    int
	At       time.Duration
	Duration time.Duration
}

type replayDoneMsg struct {
	err error
}

// replayProgressModel spins while a scenario replays and counts the events
// already applied.
type replayProgressModel struct {
	spinner  spinner.Model
	scenario string
	step     replayStep
	work     tea.Cmd
	err      error
	done     bool
}

func newReplayProgressModel(scenario string, total int, duration time.Duration, work tea.Cmd) replayProgressModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return replayProgressModel{
		spinner:  s,
		scenario: scenario,
		step:     replayStep{Total: total, Duration: duration},
		work:     work,
	}
}

func (m replayProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.work)
}

func (m replayProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case replayStep:
		if msg.Events >= m.step.Events {
			m.step = msg
		}
		return m, nil
	case replayDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m replayProgressModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s Replaying %q: %d/%d events, %s of %s",
		m.spinner.View(), m.scenario, m.step.Events, m.step.Total,
		m.step.At.Round(time.Second), m.step.Duration.Round(time.Second))
}

// runReplayWithProgress runs work behind a spinner. work reports each applied
// event through the callback it receives.
func runReplayWithProgress(ctx context.Context, output io.Writer, scenario string, total int, duration time.Duration, work func(context.Context, func(replayStep)) error) error {
	var p *tea.Program
	workCmd := func() tea.Msg {
		return replayDoneMsg{err: work(ctx, func(step replayStep) { p.Send(step) })}
	}

	p = tea.NewProgram(
		newReplayProgressModel(scenario, total, duration, workCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(replayProgressModel)
	if !ok {
		return fmt.Errorf("unexpected final progress model type %T", finalModel)
	}

	return result.err
}
