package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lemonforest/mlehaptics-sub009/pkg/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginTop(1).
			MarginLeft(2)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginLeft(2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(16)

	syncStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF00"))

	graceStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFF00"))

	isolatedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF0000"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			MarginTop(1).
			MarginLeft(2)
)

type statusMsg engine.Status

type errMsg struct{ err error }

type model struct {
	url     string
	status  engine.Status
	lastErr error
	fetched bool
}

func fetchStatus(url string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(url + "/status")
		if err != nil {
			return errMsg{err: err}
		}
		defer resp.Body.Close()

		var st engine.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return errMsg{err: err}
		}
		return statusMsg(st)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.url), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(fetchStatus(m.url), tick())
	case statusMsg:
		m.status = engine.Status(msg)
		m.fetched = true
		m.lastErr = nil
	case errMsg:
		m.lastErr = msg.err
	}
	return m, nil
}

func phaseStyle(phase string) lipgloss.Style {
	switch phase {
	case "synchronized":
		return syncStyle
	case "grace_period":
		return graceStyle
	default:
		return isolatedStyle
	}
}

func (m model) View() string {
	s := titleStyle.Render("Haptics Unit Status") + "\n\n"

	if m.lastErr != nil {
		s += errorStyle.Render(fmt.Sprintf("daemon unreachable: %v", m.lastErr)) + "\n"
	}
	if m.fetched {
		st := m.status
		rows := fmt.Sprintf("%s %s\n", labelStyle.Render("Unit"), st.Unit)
		rows += fmt.Sprintf("%s %s\n", labelStyle.Render("Peer"), st.Peer)
		rows += fmt.Sprintf("%s %s\n", labelStyle.Render("Role"), st.Role)
		rows += fmt.Sprintf("%s %s\n", labelStyle.Render("Phase"), phaseStyle(st.Phase).Render(st.Phase))
		rows += fmt.Sprintf("%s %d µs\n", labelStyle.Render("Clock offset"), st.Offset)
		rows += fmt.Sprintf("%s %d/100\n", labelStyle.Render("Sync quality"), st.Quality)
		rows += fmt.Sprintf("%s %s\n", labelStyle.Render("Beacon every"), st.Interval)
		rows += fmt.Sprintf("%s %s\n", labelStyle.Render("Cycle"), st.Cycle)
		rows += fmt.Sprintf("%s %s at %s", labelStyle.Render("Command"),
			st.Command["direction"], st.Command["intensity"])
		s += boxStyle.Render(rows) + "\n"
	} else if m.lastErr == nil {
		s += errorStyle.Render("waiting for first status...") + "\n"
	}

	s += helpStyle.Render("q: quit") + "\n"
	return s
}

func main() {
	url := flag.String("url", "http://localhost:8080", "Daemon API base URL")
	flag.Parse()

	p := tea.NewProgram(model{url: *url})
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "haptics-status: %v\n", err)
		os.Exit(1)
	}
}
