package status

import (
	"errors"
	"io"

	"github.com/bnema/questd/internal/application"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

// reportMsg carries the report into the program so the view is built inside
// Update, the same way a live dashboard would receive a refresh.
type reportMsg struct {
	report application.StatusReport
}

type reportModel struct {
	opts   RenderOptions
	styles styles
	report application.StatusReport
	output string
}

func (m reportModel) Init() tea.Cmd {
	report := m.report
	return func() tea.Msg {
		return reportMsg{report: report}
	}
}

func (m reportModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	refresh, ok := msg.(reportMsg)
	if !ok {
		return m, nil
	}

	m.output = renderView(refresh.report, m.opts, m.styles)
	if m.opts.Width > 0 {
		m.output = lipgloss.NewStyle().MaxWidth(m.opts.Width).Render(m.output)
	}
	return m, tea.Quit
}

func (m reportModel) View() string {
	return m.output
}

// Render draws report once and returns the frame.
func Render(report application.StatusReport, opts RenderOptions) (string, error) {
	p := tea.NewProgram(
		reportModel{opts: opts, styles: newStyles(), report: report},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	final, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := final.(reportModel)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}
