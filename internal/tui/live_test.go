package tui

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/models"
	"github.com/san-kum/cellforge/internal/sim"
)

func newHandle(t *testing.T, end float64) *sim.Handle {
	t.Helper()
	m, err := models.Build("isomerization")
	if err != nil {
		t.Fatal(err)
	}
	cfg := dynamo.DefaultConfig()
	cfg.EndTime = end
	h, err := sim.CreateRun(m, 3, cfg, coordinator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestLiveStepsOnTick(t *testing.T) {
	m := newLive(context.Background(), newHandle(t, 1), "isomerization", 1)

	m.Update(tickMsg(time.Now()))
	if m.status.Epoch != 1 {
		t.Errorf("expected one epoch per tick, got %d", m.status.Epoch)
	}
	if len(m.history[0]) != 2 {
		t.Errorf("expected two history points, got %d", len(m.history[0]))
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'+'}})
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'+'}})
	if m.speed != 4 {
		t.Errorf("expected speed 4, got %d", m.speed)
	}
	m.Update(tickMsg(time.Now()))
	if m.status.Epoch != 5 {
		t.Errorf("expected 5 epochs, got %d", m.status.Epoch)
	}

	view := m.View()
	for _, want := range []string{"isomerization", "running", "A", "B"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestLivePause(t *testing.T) {
	m := newLive(context.Background(), newHandle(t, 1), "iso", 1)
	m.Update(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	m.Update(tickMsg(time.Now()))
	if m.status.Epoch != 0 {
		t.Errorf("paused view should not step, got epoch %d", m.status.Epoch)
	}
	if !strings.Contains(m.View(), "paused") {
		t.Error("expected paused status")
	}
}

func TestLiveQuitTerminates(t *testing.T) {
	h := newHandle(t, 100)
	m := newLive(context.Background(), h, "iso", 100)
	m.Update(tickMsg(time.Now()))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if m.status.Status != sim.Terminated || m.status.Reason != coordinator.ReasonTerminated {
		t.Errorf("expected terminated run, got %v", m.status)
	}
}

func TestSparkline(t *testing.T) {
	if got := sparkline([]float64{0, 1, 2, 3, 4, 5, 6, 7}, 8); got != "▁▂▃▄▅▆▇█" {
		t.Errorf("unexpected sparkline %q", got)
	}
	if got := sparkline([]float64{3, 3}, 8); got != "▁▁" {
		t.Errorf("flat data should render low, got %q", got)
	}
	if sparkline(nil, 8) != "" {
		t.Error("expected empty sparkline")
	}
}
