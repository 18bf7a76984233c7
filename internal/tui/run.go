package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/pkg/models"
)

// maxLogLines is how many activity log entries are shown.
const maxLogLines = 8

// RunState tracks the progress of a run.
type RunState struct {
	RunID      string
	StepsTotal int
	// StepsDone counts steps with a final outcome, whatever it was.
	StepsDone    int
	Succeeded    int
	Failed       int
	Blocked      int
	Skipped      int
	CurrentStep  string
	CurrentCores int
	CurrentLog   string
	Tasks        map[models.TaskStatus]int
	Started      time.Time
}

// EventMsg wraps an orchestrator event for the bubbletea loop.
type EventMsg struct {
	Event orchestrator.OrchestratorEvent
}

// DoneMsg is sent when the run returns.
type DoneMsg struct {
	Summary *orchestrator.Summary
	Err     error
}

// RunLogEntry is one line of the activity log.
type RunLogEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

// RunView displays the step counters and the current step.
type RunView struct {
	state  RunState
	width  int
	height int

	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	stepStyle     lipgloss.Style
	passStyle     lipgloss.Style
	failStyle     lipgloss.Style
	warnStyle     lipgloss.Style
	dimStyle      lipgloss.Style
}

// NewRunView creates a new RunView instance.
func NewRunView() *RunView {
	return &RunView{
		state: RunState{Tasks: make(map[models.TaskStatus]int)},

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		stepStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true),

		passStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		warnStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// State returns the current run state.
func (v *RunView) State() RunState {
	return v.state
}

// SetSize sets the view dimensions.
func (v *RunView) SetSize(width, height int) {
	v.width = width
	v.height = height
}

// apply folds one event into the state.
func (v *RunView) apply(ev orchestrator.OrchestratorEvent) {
	if ev.RunID != "" {
		v.state.RunID = ev.RunID
	}
	if ev.Total > 0 {
		v.state.StepsTotal = ev.Total
	}
	switch ev.Type {
	case orchestrator.EventStepStarted:
		v.state.CurrentStep = ev.StepPath
		v.state.CurrentCores = ev.Resources.Cores()
		v.state.CurrentLog = ev.LogFile
		if v.state.Started.IsZero() {
			v.state.Started = ev.Timestamp
		}
	case orchestrator.EventStepSucceeded:
		v.state.Succeeded++
		v.finishStep(ev)
	case orchestrator.EventStepFailed:
		v.state.Failed++
		v.finishStep(ev)
	case orchestrator.EventStepBlocked:
		v.state.Blocked++
		v.finishStep(ev)
	case orchestrator.EventStepSkipped:
		v.state.Skipped++
		v.finishStep(ev)
	case orchestrator.EventTaskFinished:
		v.state.Tasks[ev.TaskStatus]++
	case orchestrator.EventRunDone:
		v.state.CurrentStep = ""
		v.state.CurrentLog = ""
	}
}

func (v *RunView) finishStep(ev orchestrator.OrchestratorEvent) {
	v.state.StepsDone++
	if ev.StepPath == v.state.CurrentStep {
		v.state.CurrentStep = ""
		v.state.CurrentLog = ""
		v.state.CurrentCores = 0
	}
}

// View renders the progress display. spin is drawn next to the running step.
func (v *RunView) View(spin string) string {
	var b strings.Builder

	title := "Run"
	if v.state.RunID != "" {
		title = "Run " + v.state.RunID
	}
	b.WriteString(v.headerStyle.Render(title))
	b.WriteString("\n")

	pct := float64(0)
	if v.state.StepsTotal > 0 {
		pct = float64(v.state.StepsDone) / float64(v.state.StepsTotal) * 100
	}
	b.WriteString(v.labelStyle.Render("Steps:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d", v.state.StepsDone, v.state.StepsTotal)))
	b.WriteString("\n")
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	b.WriteString(v.labelStyle.Render("Outcomes:"))
	b.WriteString(fmt.Sprintf("%s succeeded, %s failed, %s blocked, %s skipped",
		v.passStyle.Render(fmt.Sprintf("%d", v.state.Succeeded)),
		v.failStyle.Render(fmt.Sprintf("%d", v.state.Failed)),
		v.warnStyle.Render(fmt.Sprintf("%d", v.state.Blocked)),
		v.dimStyle.Render(fmt.Sprintf("%d", v.state.Skipped))))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Running:"))
	if v.state.CurrentStep == "" {
		b.WriteString(v.dimStyle.Render("none"))
	} else {
		b.WriteString(spin)
		b.WriteString(" ")
		b.WriteString(v.stepStyle.Render(v.state.CurrentStep))
		if v.state.CurrentCores > 0 {
			b.WriteString(v.dimStyle.Render(fmt.Sprintf(" (%d cores)", v.state.CurrentCores)))
		}
		if v.state.CurrentLog != "" {
			b.WriteString("\n")
			b.WriteString(v.labelStyle.Render(""))
			b.WriteString(v.dimStyle.Render(v.state.CurrentLog))
		}
	}
	b.WriteString("\n")

	if len(v.state.Tasks) > 0 {
		b.WriteString(v.labelStyle.Render("Tasks:"))
		b.WriteString(fmt.Sprintf("%s passed, %s failed, %s validation failed, %s blocked",
			v.passStyle.Render(fmt.Sprintf("%d", v.state.Tasks[models.TaskStatusPassed])),
			v.failStyle.Render(fmt.Sprintf("%d", v.state.Tasks[models.TaskStatusFailed])),
			v.failStyle.Render(fmt.Sprintf("%d", v.state.Tasks[models.TaskStatusValidationFailed])),
			v.warnStyle.Render(fmt.Sprintf("%d", v.state.Tasks[models.TaskStatusBlocked]))))
		b.WriteString("\n")
	}

	return b.String()
}

// renderProgressBar renders a progress bar.
func (v *RunView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	empty := width - filled

	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

// RunApp is the bubbletea model for the run command.
type RunApp struct {
	view     *RunView
	spinner  spinner.Model
	logs     []RunLogEntry
	width    int
	height   int
	quitting bool
	done     bool
	summary  *orchestrator.Summary
	err      error

	logStyle     lipgloss.Style
	logTimeStyle lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
}

// NewRunApp creates a new RunApp instance.
func NewRunApp() *RunApp {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &RunApp{
		view:    NewRunView(),
		spinner: s,

		logStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		logTimeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),
	}
}

// State returns the current run state.
func (a *RunApp) State() RunState {
	return a.view.State()
}

// Logs returns the activity log.
func (a *RunApp) Logs() []RunLogEntry {
	return a.logs
}

// Done reports whether the run has returned.
func (a *RunApp) Done() bool {
	return a.done
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.view.SetSize(msg.Width, msg.Height)

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.view.apply(msg.Event)
		if entry, ok := logEntry(msg.Event); ok {
			a.logs = append(a.logs, entry)
		}

	case DoneMsg:
		a.done = true
		a.summary = msg.Summary
		a.err = msg.Err
		if a.err == nil && a.summary != nil {
			a.err = a.summary.Err()
		}
	}

	return a, nil
}

// logEntry turns an event into an activity log line.
func logEntry(ev orchestrator.OrchestratorEvent) (RunLogEntry, bool) {
	entry := RunLogEntry{Timestamp: ev.Timestamp}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	switch ev.Type {
	case orchestrator.EventStepStarted:
		entry.Kind = "start"
		entry.Message = fmt.Sprintf("[%d/%d] %s", ev.Index, ev.Total, ev.StepPath)
	case orchestrator.EventStepSucceeded:
		entry.Kind = "ok"
		entry.Message = fmt.Sprintf("%s (%s)", ev.StepPath, ev.Duration.Round(time.Millisecond))
	case orchestrator.EventStepFailed:
		entry.Kind = "FAIL"
		entry.Message = ev.StepPath
		if ev.Error != nil {
			entry.Message += ": " + ev.Error.Error()
		}
	case orchestrator.EventStepBlocked:
		entry.Kind = "blocked"
		entry.Message = ev.StepPath
	case orchestrator.EventStepSkipped:
		entry.Kind = "skip"
		entry.Message = ev.StepPath
	case orchestrator.EventTaskFinished:
		entry.Kind = "task"
		entry.Message = fmt.Sprintf("%s %s", ev.TaskPath, ev.TaskStatus)
	case orchestrator.EventRunDone:
		entry.Kind = "done"
		entry.Message = ev.Message
		if entry.Message == "" {
			entry.Message = "run finished"
		}
	default:
		return RunLogEntry{}, false
	}
	return entry, true
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting {
		return "Run detached; steps already launched keep going until cancelled.\n"
	}

	var b strings.Builder

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("=== caseflow ===")
	b.WriteString(header)
	b.WriteString("\n\n")

	b.WriteString(a.view.View(a.spinner.View()))
	b.WriteString("\n")

	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	if a.done {
		if a.err != nil {
			b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
		} else {
			b.WriteString(a.doneStyle.Render("All tasks passed! Press q to exit."))
		}
	} else {
		b.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Render("Press q to cancel"))
	}
	b.WriteString("\n")

	return b.String()
}

// renderLogs renders the recent log entries.
func (a *RunApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity Log"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > maxLogLines {
		start = len(a.logs) - maxLogLines
	}

	for _, entry := range a.logs[start:] {
		ts := a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05"))
		kind := lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Width(8).
			Render(entry.Kind)
		msg := a.logStyle.Render(entry.Message)
		b.WriteString(fmt.Sprintf("  %s %s %s\n", ts, kind, msg))
	}

	return b.String()
}

// Sender is the part of *tea.Program that Forward needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Forward sends every event to p until events is closed.
func Forward(p Sender, events <-chan orchestrator.OrchestratorEvent) {
	for ev := range events {
		p.Send(EventMsg{Event: ev})
	}
}

// NewRunProgram creates a new bubbletea program for the run TUI.
func NewRunProgram() (*tea.Program, *RunApp) {
	app := NewRunApp()
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
