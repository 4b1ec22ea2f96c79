// Package dashboard renders live batch progress in the terminal.
package dashboard

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"xenoscan/internal/model"
	"xenoscan/internal/pipeline"
)

const maxEvents = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type progressMsg pipeline.Progress

type statusMsg string

type doneMsg struct{}

type dashModel struct {
	title    string
	workers  int
	spinner  spinner.Model
	progress pipeline.Progress
	events   []string
	status   string
	width    int
	done     bool
}

func newModel(title string, workers, total int) dashModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	return dashModel{
		title:    title,
		workers:  workers,
		spinner:  sp,
		progress: pipeline.Progress{Total: total},
		events:   make([]string, 0, maxEvents),
	}
}

func (m dashModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case progressMsg:
		p := pipeline.Progress(msg)
		m.progress = p
		if p.Last.TargetID != "" {
			m.events = append([]string{eventLine(p)}, m.events...)
			if len(m.events) > maxEvents {
				m.events = m.events[:maxEvents]
			}
		}
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m dashModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	p := m.progress

	head := titleStyle.Render(m.title)
	if !m.done {
		head = m.spinner.View() + " " + head
	}
	stats := fmt.Sprintf("done %d/%d | ok %d | failed %d | active %d/%d | %.2f tgt/s | elapsed %s",
		p.Completed, p.Total, p.Succeeded, p.Failed, p.InFlight, m.workers, p.Rate, p.Elapsed.Round(time.Second))
	if eta := pipeline.FormatETA(p.ETA.Seconds()); eta != "" && !m.done {
		stats += " | eta ~ " + eta
	}

	lines := []string{
		head,
		bar(p.Completed, p.Total, clamp(width-12, 10, 60)) + fmt.Sprintf(" %5.1f%%", p.Percent()),
		stats,
		rateLimiterLine(p.RateLimiter),
	}
	if len(m.events) > 0 {
		lines = append(lines, strings.Repeat("-", clamp(width-4, 10, 120)))
		lines = append(lines, m.events...)
	}
	if m.status != "" {
		lines = append(lines, warnStyle.Render(m.status))
	}
	return panelStyle.Width(clamp(width-2, 20, 140)).Render(strings.Join(lines, "\n")) + "\n"
}

func eventLine(p pipeline.Progress) string {
	o := p.Last
	prefix := fmt.Sprintf("[%d/%d]", p.Completed, p.Total)
	if o.Success {
		line := fmt.Sprintf("%s done  %s  features %d/%d", prefix, o.TargetID, o.FeaturesValid, o.FeaturesTotal)
		if o.ExtractionFailed {
			return warnStyle.Render(line + " (extraction failed)")
		}
		return okStyle.Render(line)
	}
	reason := o.Error
	if len(reason) > 60 {
		reason = reason[:60] + "..."
	}
	return errorStyle.Render(fmt.Sprintf("%s fail  %s (%s)", prefix, o.TargetID, o.FailedStage)) + " " + mutedStyle.Render(reason)
}

func rateLimiterLine(s model.RateLimiterState) string {
	line := fmt.Sprintf("rate limit: backoff %.0fs | throttles %d | streak %d", s.BackoffSeconds, s.ThrottleCount, s.ConsecutiveSuccesses)
	if s.IsThrottled {
		return warnStyle.Render(line + " | throttled")
	}
	return mutedStyle.Render(line)
}

func bar(done, total, width int) string {
	if total <= 0 {
		total = 1
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return okStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Dashboard runs the live view in its own goroutine. Signals are left to
// the caller.
type Dashboard struct {
	program *tea.Program
	wg      sync.WaitGroup
	once    sync.Once
}

func New(out io.Writer, title string, workers, total int) *Dashboard {
	p := tea.NewProgram(newModel(title, workers, total),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	return &Dashboard{program: p}
}

func (d *Dashboard) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_, _ = d.program.Run()
	}()
}

// Update is suitable as a pipeline.WithProgress callback.
func (d *Dashboard) Update(p pipeline.Progress) {
	d.program.Send(progressMsg(p))
}

func (d *Dashboard) SetStatus(s string) {
	d.program.Send(statusMsg(s))
}

// Stop renders the final frame and waits for the program to exit.
func (d *Dashboard) Stop() {
	d.once.Do(func() {
		d.program.Send(doneMsg{})
		d.wg.Wait()
	})
}
