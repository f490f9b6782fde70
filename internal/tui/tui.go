// Package tui renders a generation in the terminal while it runs.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
)

// ErrInterrupted is returned when the user quits before the generation ends.
var ErrInterrupted = errors.New("interrupted")

// Generator runs one request through the pipeline.
type Generator interface {
	Generate(ctx context.Context, request string, observer core.Observer) (core.Generation, error)
}

var stageOrder = []core.Stage{
	core.StagePlanning,
	core.StageSourcing,
	core.StageCoding,
	core.StageDebugging,
	core.StageSaving,
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7B801"))
	codeStyle    = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("#CCCCCC"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// EventMsg carries one pipeline event into the program.
type EventMsg core.Event

// DoneMsg ends the program with the generation result.
type DoneMsg struct {
	Generation core.Generation
	Err        error
}

type stageState struct {
	status  core.EventStatus
	message string
}

type artifact struct {
	title string
	body  string
}

// Model is the bubbletea model for a single generation.
type Model struct {
	request  string
	showCode bool
	spinner  spinner.Model

	stages    map[core.Stage]stageState
	artifacts map[core.Stage]artifact

	done        bool
	interrupted bool
	result      core.Generation
	err         error
}

func New(request string, showCode bool) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return &Model{
		request:   request,
		showCode:  showCode,
		spinner:   s,
		stages:    make(map[core.Stage]stageState),
		artifacts: make(map[core.Stage]artifact),
	}
}

func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.done {
				m.interrupted = true
			}
			return m, tea.Quit
		}
	case EventMsg:
		m.apply(core.Event(msg))
		return m, nil
	case DoneMsg:
		m.done = true
		m.result = msg.Generation
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(e core.Event) {
	m.stages[e.Stage] = stageState{status: e.Status, message: e.Message}
	if e.Artifact == "" {
		return
	}
	switch e.Stage {
	case core.StagePlanning:
		m.artifacts[e.Stage] = artifact{title: "Plan", body: e.Artifact}
	case core.StageSourcing:
		m.artifacts[e.Stage] = artifact{title: "Data code", body: e.Artifact}
	case core.StageCoding:
		m.artifacts[e.Stage] = artifact{title: "Dashboard code", body: e.Artifact}
	case core.StageDebugging:
		m.artifacts[e.Stage] = artifact{title: "Debugged code", body: e.Artifact}
	}
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("dashforge"))
	b.WriteString("  ")
	b.WriteString(m.request)
	b.WriteString("\n\n")

	for _, stage := range stageOrder {
		st, seen := m.stages[stage]
		switch {
		case !seen:
			b.WriteString(pendingStyle.Render("  · " + string(stage)))
		case st.status == core.EventCompleted:
			b.WriteString(doneStyle.Render("  ✓ ") + string(stage))
		case st.status == core.EventFailed:
			b.WriteString(failStyle.Render("  ✗ ") + string(stage))
		default:
			b.WriteString("  " + m.spinner.View() + " " + string(stage))
		}
		if seen && st.message != "" {
			b.WriteString(hintStyle.Render("  " + st.message))
		}
		b.WriteString("\n")
	}

	for _, stage := range stageOrder {
		a, ok := m.artifacts[stage]
		if !ok || (stage != core.StagePlanning && !m.showCode) {
			continue
		}
		b.WriteString("\n")
		b.WriteString(headingStyle.Render(a.title))
		b.WriteString("\n")
		b.WriteString(codeStyle.Render(a.body))
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString("\n")
		b.WriteString(summary(m.result, m.err))
		b.WriteString("\n")
	} else {
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("q to quit"))
		b.WriteString("\n")
	}
	return b.String()
}

// Result returns the finished generation, or ErrInterrupted.
func (m *Model) Result() (core.Generation, error) {
	if m.interrupted {
		return m.result, ErrInterrupted
	}
	return m.result, m.err
}

func summary(g core.Generation, err error) string {
	switch {
	case err != nil:
		msg := g.Error
		if msg == "" {
			msg = err.Error()
		}
		return failStyle.Render("Generation failed: ") + msg
	case g.Status == core.StatusSuccess:
		return doneStyle.Render("Dashboard ready: ") + g.OutputPath
	default:
		return failStyle.Render("Debugging did not converge: ") + g.Debug.Error + "\n" + hintStyle.Render("Last code saved to "+g.OutputPath)
	}
}

// Run drives gen with an interactive view until the generation finishes or
// the user quits. Quitting cancels the generation, and Run returns only once
// Generate has returned, so no dashboard process outlives the call.
func Run(ctx context.Context, gen Generator, request string, showCode bool, opts ...tea.ProgramOption) (core.Generation, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := New(request, showCode)
	p := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		observer := core.ObserverFunc(func(e core.Event) { p.Send(EventMsg(e)) })
		g, err := gen.Generate(ctx, request, observer)
		p.Send(DoneMsg{Generation: g, Err: err})
	}()

	final, err := p.Run()
	cancel()
	<-done
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return core.Generation{}, fmt.Errorf("tui: %w", err)
	}
	fm, ok := final.(*Model)
	if !ok {
		return core.Generation{}, errors.New("tui: unexpected model")
	}
	return fm.Result()
}

// PlainObserver prints one line per event, for terminals without a TTY.
func PlainObserver(w io.Writer, showCode bool) core.Observer {
	var mu sync.Mutex
	return core.ObserverFunc(func(e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		line := fmt.Sprintf("[%s] %s", e.Stage, e.Status)
		if e.Message != "" {
			line += ": " + e.Message
		}
		fmt.Fprintln(w, line)
		if e.Artifact != "" && e.Status != core.EventStarted && (e.Stage == core.StagePlanning || (showCode && e.Stage != core.StageSaving)) {
			fmt.Fprintln(w, e.Artifact)
		}
	})
}
