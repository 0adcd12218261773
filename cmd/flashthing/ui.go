package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/JoeyEamigh/flashthing/pkg/aml"
	"github.com/JoeyEamigh/flashthing/pkg/flash"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	stepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	statStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type eventMsg struct{ ev aml.Event }
type doneMsg struct{ err error }
type totalStepsMsg struct{ n int }
type tickMsg time.Time
type hostStatsMsg struct {
	cpu float64
	mem float64
}

// ui drives the full-screen flashing view. Events from the flasher are
// pumped into the bubbletea program; the work itself runs on its own
// goroutine.
type ui struct {
	program *tea.Program
	result  chan error
}

func newUI(title string, totalSteps int) *ui {
	model := newUIModel(title, totalSteps)
	return &ui{
		program: tea.NewProgram(model),
		result:  make(chan error, 1),
	}
}

func (u *ui) setTotalSteps(n int) {
	u.program.Send(totalStepsMsg{n: n})
}

// run executes work while the UI is on screen. The callback handed to work
// is safe to call from the worker goroutine.
func (u *ui) run(work func(aml.Callback) error) error {
	go func() {
		err := work(func(ev aml.Event) {
			u.program.Send(eventMsg{ev: ev})
		})
		u.result <- err
		u.program.Send(doneMsg{err: err})
	}()

	if _, err := u.program.Run(); err != nil {
		return err
	}
	return <-u.result
}

type uiModel struct {
	title      string
	totalSteps int
	stepIndex  int
	stepLabel  string
	events     []string
	bar        progress.Model
	sample     *aml.Progress
	cpu        float64
	mem        float64
	width      int
	done       bool
	err        error
	logFile    *os.File
}

func newUIModel(title string, totalSteps int) *uiModel {
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("flashthing_%s.log", time.Now().Format("20060102_150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		logFile = nil
	}

	return &uiModel{
		title:      title,
		totalSteps: totalSteps,
		bar:        progress.New(progress.WithDefaultGradient()),
		width:      80,
		logFile:    logFile,
	}
}

// logLine appends a UI line to the session log with styling stripped.
func (m *uiModel) logLine(line string) {
	if m.logFile == nil {
		return
	}
	timestamp := time.Now().Format("2006/01/02 15:04:05")
	fmt.Fprintf(m.logFile, "[%s] %s\n", timestamp, ansi.Strip(line))
}

func (m *uiModel) Init() tea.Cmd {
	return tea.Batch(tick(), sampleHostStats)
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func sampleHostStats() tea.Msg {
	stats := hostStatsMsg{}
	if percents, err := psutil.Percent(0, false); err == nil && len(percents) > 0 {
		stats.cpu = percents[0]
	}
	if vm, err := psmem.VirtualMemory(); err == nil {
		stats.mem = vm.UsedPercent
	}
	return stats
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.done {
				return m, tea.Quit
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-24)
		return m, nil

	case totalStepsMsg:
		m.totalSteps = msg.n
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), sampleHostStats)

	case hostStatsMsg:
		m.cpu = msg.cpu
		m.mem = msg.mem
		return m, nil

	case eventMsg:
		return m.handleEvent(msg.ev)

	case doneMsg:
		m.done = true
		m.err = msg.err
		if msg.err != nil {
			m.logLine("failed: " + msg.err.Error())
		} else {
			m.logLine("flash complete")
		}
		return m, tea.Quit

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m *uiModel) handleEvent(ev aml.Event) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch ev.Kind {
	case aml.EventDeviceMode:
		m.pushEvent(fmt.Sprintf("device mode: %s", ev.Mode))
	case aml.EventStep:
		m.stepIndex = ev.StepIndex
		switch step := ev.Step.(type) {
		case *flash.Step:
			m.stepLabel = step.Summary()
		case string:
			m.stepLabel = step
		default:
			m.stepLabel = ""
		}
		m.sample = nil
		cmd = m.bar.SetPercent(0)
		m.pushEvent(fmt.Sprintf("step %d: %s", ev.StepIndex, m.stepLabel))
	case aml.EventFlashProgress:
		m.sample = ev.Progress
		cmd = m.bar.SetPercent(ev.Progress.Percent / 100)
	default:
		m.pushEvent(ev.Kind.String())
	}
	return m, cmd
}

func (m *uiModel) pushEvent(line string) {
	m.logLine(line)
	m.events = append(m.events, line)
	if len(m.events) > 8 {
		m.events = m.events[len(m.events)-8:]
	}
}

func (m *uiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("flashthing · "+m.title) + "\n\n")

	if m.stepIndex > 0 {
		total := "?"
		if m.totalSteps > 0 {
			total = fmt.Sprintf("%d", m.totalSteps)
		}
		b.WriteString(stepStyle.Render(fmt.Sprintf("step %d/%s: %s", m.stepIndex, total, m.stepLabel)) + "\n")
	} else {
		b.WriteString(stepStyle.Render("preparing device...") + "\n")
	}

	b.WriteString(m.bar.View() + "\n")
	if m.sample != nil {
		b.WriteString(statStyle.Render(fmt.Sprintf("rate: %.0f KiB/s · avg: %.0f KiB/s · eta: %s",
			m.sample.Rate, m.sample.AvgRate, formatETA(m.sample.ETA))) + "\n")
	}
	b.WriteString(statStyle.Render(fmt.Sprintf("host: cpu %.0f%% · mem %.0f%%", m.cpu, m.mem)) + "\n\n")

	for _, line := range m.events {
		b.WriteString(eventStyle.Render("· "+line) + "\n")
	}

	if m.done && m.err != nil {
		b.WriteString("\n" + errorStyle.Render("failed: "+m.err.Error()) + "\n")
	}

	return borderStyle.Width(max(20, m.width-2)).Render(b.String())
}

func formatETA(ms float64) string {
	d := time.Duration(ms) * time.Millisecond
	if d > time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	if d > time.Minute {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fs", d.Seconds())
}
