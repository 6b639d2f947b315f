package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"velapack/internal/pipeline"
	"velapack/internal/settings"
)

var (
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	outputStyle  = lipgloss.NewStyle().Faint(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// eventMsg carries a pipeline event into the bubbletea loop.
type eventMsg pipeline.Event

// doneMsg ends the program with the pipeline's result.
type doneMsg struct {
	art *pipeline.Artifact
	err error
}

// progressModel renders pipeline progress: one line per finished step and
// a spinner on the step in flight.
type progressModel struct {
	spinner spinner.Model
	current string
	lines   []string
	done    bool
	art     *pipeline.Artifact
	err     error
	cancel  context.CancelFunc
}

func newProgressModel(cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return progressModel{
		spinner: s,
		current: "Receiving upload",
		cancel:  cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			// Stops the compiler; the run then finishes with an error.
			if m.cancel != nil {
				m.cancel()
			}
			m.current = "Cancelling"
		}
		return m, nil
	case eventMsg:
		m.apply(pipeline.Event(msg))
		return m, nil
	case doneMsg:
		m.done = true
		m.art, m.err = msg.art, msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) apply(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventStage:
		label := "✓ " + e.Stage.String()
		if e.Duration > 0 {
			label += fmt.Sprintf(" (%s)", e.Duration.Round(time.Millisecond))
		}
		m.lines = append(m.lines, doneStyle.Render(label))
		m.current = nextStep(e.Stage)
	case pipeline.EventInfo:
		m.lines = append(m.lines, "  "+e.Message)
	case pipeline.EventOutput:
		for _, l := range strings.Split(strings.TrimRight(e.Message, "\n"), "\n") {
			m.lines = append(m.lines, outputStyle.Render("  │ "+l))
		}
	case pipeline.EventWarning:
		m.lines = append(m.lines, warnStyle.Render("  ! "+strings.TrimRight(e.Message, "\n")))
	case pipeline.EventFailed:
		m.lines = append(m.lines, failStyle.Render(fmt.Sprintf("✗ %s: %v", e.Stage.Action(), e.Err)))
	}
}

// nextStep names the work that follows s.
func nextStep(s pipeline.Stage) string {
	switch s {
	case pipeline.Received:
		return "Unpacking archive"
	case pipeline.Staged:
		return "Running vela (this may take a minute)"
	case pipeline.Compiled:
		return "Locating compiled model"
	case pipeline.OutputResolved:
		return "Extracting labels"
	case pipeline.LabelsExtracted:
		return "Packaging Manifest.zip"
	}
	return "Finishing"
}

func (m progressModel) View() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l + "\n")
	}
	if !m.done {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.current))
	}
	return b.String()
}

// runWithProgress runs the pipeline while an interactive view renders its
// events.
func runWithProgress(ctx context.Context, cfg *settings.Settings, pc pipeline.Config, req pipeline.Request) (*pipeline.Artifact, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(newProgressModel(cancel))
	pc.Observer = pipeline.ObserverFunc(func(e pipeline.Event) {
		prog.Send(eventMsg(e))
	})
	p := newPipeline(cfg, pc)

	go func() {
		art, err := p.Run(ctx, req)
		prog.Send(doneMsg{art: art, err: err})
	}()

	result, err := prog.Run()
	if err != nil {
		return nil, fmt.Errorf("progress view: %w", err)
	}
	final, ok := result.(progressModel)
	if !ok || !final.done {
		return nil, fmt.Errorf("progress view exited early")
	}
	return final.art, final.err
}
