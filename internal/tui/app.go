// Package tui provides the interactive status board over the row store.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/rowstore"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	runningStyle   = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	finishedStyle  = lipgloss.NewStyle().Foreground(successColor)
	cancelledStyle = lipgloss.NewStyle().Foreground(mutedColor)
	erroredStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

var filters = []models.StatusCode{"", models.StatusRunning, models.StatusFinished, models.StatusCancelled, models.StatusError}
var filterNames = []string{"ALL", "RUNNING", "FINISHED", "CANCELLED", "ERROR"}

// App is the status board model.
type App struct {
	store     rowstore.Store
	rows      []models.Row
	spinner   spinner.Model
	filterIdx int
	width     int
	height    int
	loading   bool
	err       error
}

// New creates the status board over a row store.
func New(store rowstore.Store) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		store:   store,
		spinner: sp,
		loading: true,
	}
}

// Run starts the TUI event loop.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type rowsMsg struct {
	rows []models.Row
	err  error
}

type tickMsg time.Time

func (a *App) loadRows() tea.Msg {
	rows, err := a.store.List()
	return rowsMsg{rows: rows, err: err}
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.loadRows, tick())
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "r":
			a.loading = true
			return a, a.loadRows
		case "f", "tab":
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			return a, nil
		}

	case rowsMsg:
		a.loading = false
		a.rows = msg.rows
		a.err = msg.err
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.loadRows, tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Rollouts"))
	if a.loading {
		b.WriteString(" " + a.spinner.View())
	}
	b.WriteString("\n\n")

	if a.err != nil {
		b.WriteString(erroredStyle.Render(fmt.Sprintf("error: %v", a.err)))
		b.WriteString("\n")
	}

	filter := filters[a.filterIdx]
	counts := map[models.StatusCode]int{}
	shown := 0
	for _, row := range a.rows {
		counts[row.RolloutStatus.Code]++
		if filter != "" && row.RolloutStatus.Code != filter {
			continue
		}
		shown++
		b.WriteString(rowStyle.Render(renderRow(row)))
		b.WriteString("\n")
	}
	if shown == 0 {
		b.WriteString(rowStyle.Render(helpStyle.Render("no rollouts")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(fmt.Sprintf(
		"[%s]  %d running / %d finished / %d cancelled / %d error",
		filterNames[a.filterIdx],
		counts[models.StatusRunning], counts[models.StatusFinished],
		counts[models.StatusCancelled], counts[models.StatusError],
	)))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("f: filter • r: refresh • q: quit"))
	return b.String()
}

func renderRow(row models.Row) string {
	status := string(row.RolloutStatus.Code)
	var styled string
	switch row.RolloutStatus.Code {
	case models.StatusRunning:
		styled = runningStyle.Render(status)
	case models.StatusFinished:
		styled = finishedStyle.Render(status)
	case models.StatusCancelled:
		styled = cancelledStyle.Render(status)
	default:
		styled = erroredStyle.Render(status)
	}

	pid := "-"
	if row.OwningPID != nil {
		pid = fmt.Sprintf("%d", *row.OwningPID)
	}
	detail := row.RolloutStatus.Message
	if detail != "" {
		detail = "  " + helpStyle.Render(detail)
	}
	return fmt.Sprintf("%-36s  %-10s  pid %-8s  %d msgs%s",
		row.RowID, styled, pid, len(row.Conversation), detail)
}
