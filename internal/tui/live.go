// Package tui is the live terminal view of a running simulation.
package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/cellforge/internal/sim"
)

var (
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const (
	historyLen = 48
	barWidth   = 36
	maxSpeed   = 256
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(16*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type live struct {
	ctx    context.Context
	handle *sim.Handle
	title  string
	end    float64

	status  sim.RunStatus
	view    sim.StateView
	history [][]float64
	paused  bool
	speed   int
	quit    bool
}

func newLive(ctx context.Context, h *sim.Handle, title string, end float64) *live {
	view := h.Snapshot()
	m := &live{
		ctx:     ctx,
		handle:  h,
		title:   title,
		end:     end,
		status:  h.Status(),
		view:    view,
		history: make([][]float64, len(view.Species)),
		speed:   1,
	}
	m.observe()
	return m
}

func (m *live) Init() tea.Cmd { return tick() }

func (m *live) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg)
	case tickMsg:
		if m.status.Status == sim.Running && !m.paused {
			m.step()
		}
		return m, tick()
	}
	return m, nil
}

func (m *live) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.handle.Terminate()
		m.quit = true
		if m.status.Status == sim.Running {
			m.status = m.handle.Step(m.ctx)
		}
		return m, tea.Quit
	case " ":
		m.paused = !m.paused
	case "+", "=":
		m.speed = min(m.speed*2, maxSpeed)
	case "-":
		m.speed = max(m.speed/2, 1)
	case "t":
		m.handle.Terminate()
	}
	return m, nil
}

// step advances up to speed epochs.
func (m *live) step() {
	for i := 0; i < m.speed && m.status.Status == sim.Running; i++ {
		m.status = m.handle.Step(m.ctx)
	}
	m.view = m.handle.Snapshot()
	m.observe()
}

func (m *live) observe() {
	for i, v := range m.view.Values {
		h := append(m.history[i], v)
		if len(h) > historyLen {
			h = h[1:]
		}
		m.history[i] = h
	}
}

func (m *live) View() string {
	var b strings.Builder

	icon, text := green.Render("●"), green.Render("running")
	switch {
	case m.status.Status == sim.Failed:
		icon, text = red.Render("✕"), red.Render(fmt.Sprintf("failed: %s", m.status.Kind))
	case m.status.Status == sim.Terminated:
		icon, text = cyan.Render("■"), cyan.Render(m.status.Reason.String())
	case m.paused:
		icon, text = yellow.Render("○"), yellow.Render("paused")
	}
	b.WriteString(fmt.Sprintf("\n   %s %s  %s\n", icon, cyan.Render(m.title), text))

	progress := 0.0
	if m.end > 0 {
		progress = math.Min(m.view.Clock/m.end, 1)
	}
	filled := int(progress * barWidth)
	bar := cyan.Render(strings.Repeat("━", filled)) + dimmer.Render(strings.Repeat("─", barWidth-filled))
	b.WriteString(fmt.Sprintf("   %s %s  %s\n\n", bar,
		dim.Render(fmt.Sprintf("t=%.3g/%g", m.view.Clock, m.end)),
		dim.Render(fmt.Sprintf("epoch %d  ×%d", m.status.Epoch, m.speed))))

	width := 0
	for _, name := range m.view.Species {
		width = max(width, len(name))
	}
	for i, name := range m.view.Species {
		b.WriteString(fmt.Sprintf("   %s %s  %s\n",
			dim.Render(fmt.Sprintf("%-*s", width, name)),
			white.Render(fmt.Sprintf("%12.4g", m.view.Values[i])),
			cyan.Render(sparkline(m.history[i], historyLen))))
	}

	if m.status.Status == sim.Failed {
		b.WriteString("\n   " + red.Render(m.status.Err.Error()) + "\n")
	}
	b.WriteString("\n" + dim.Render("   space pause  ±speed  t terminate  q quit") + "\n")
	return b.String()
}

func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return ""
	}
	chars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}
	rang := maxVal - minVal
	if rang == 0 {
		rang = 1
	}
	var sb strings.Builder
	for i := 0; i < width && i < len(data); i++ {
		idx := int((data[i] - minVal) / rang * 7)
		sb.WriteRune(chars[max(0, min(idx, 7))])
	}
	return sb.String()
}

// Run shows h until it terminates and the user quits, and returns the final
// status.
func Run(ctx context.Context, h *sim.Handle, title string, end float64) (sim.RunStatus, error) {
	m := newLive(ctx, h, title, end)
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		return h.Status(), err
	}
	return h.Status(), nil
}
