package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Color palette for the dashboard's dark theme.
var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSuccess = lipgloss.Color("#28A745")
	colorWarning = lipgloss.Color("#FFC107")
	colorError   = lipgloss.Color("#DC3545")
	colorMuted   = lipgloss.Color("#6C757D")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	okStyle      = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle    = lipgloss.NewStyle().Foreground(colorWarning)
)

// healthSnapshot mirrors internal/health's /health response body.
type healthSnapshot struct {
	BrokerConnected     bool  `json:"broker_connected"`
	DispatcherRunning   bool  `json:"dispatcher_running"`
	UptimeSeconds       int64 `json:"uptime_seconds"`
	ActiveSessions      int   `json:"active_sessions"`
	CommandsPending     int   `json:"commands_pending"`
	CommandsSentTotal   int64 `json:"commands_sent_total"`
	CommandsFailedTotal int64 `json:"commands_failed_total"`
}

// sessionSnapshot mirrors internal/health's /debug/sessions entries.
type sessionSnapshot struct {
	DeviceMAC        string    `json:"device_mac"`
	State            string    `json:"state"`
	CurrentImageName string    `json:"current_image_name"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// fetchResultMsg is delivered each time a poll cycle completes.
type fetchResultMsg struct {
	health   *healthSnapshot
	sessions []sessionSnapshot
	err      error
}

type tickMsg time.Time

const pollInterval = 2 * time.Second

// monitorModel is gatewayctl monitor's bubbletea model: a read-only,
// polling dashboard over gatewayd's health endpoint.
type monitorModel struct {
	addr     string
	client   *http.Client
	spinner  spinner.Model
	health   *healthSnapshot
	sessions []sessionSnapshot
	err      error
	quitting bool
}

func newMonitorModel(addr string) *monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorPrimary)
	return &monitorModel{
		addr:    strings.TrimSuffix(addr, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		spinner: s,
	}
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), tickEvery(pollInterval))
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()

		var h healthSnapshot
		if err := m.getJSON(ctx, "/health", &h); err != nil {
			return fetchResultMsg{err: err}
		}

		var sessions []sessionSnapshot
		if err := m.getJSON(ctx, "/debug/sessions", &sessions); err != nil {
			return fetchResultMsg{err: err}
		}

		return fetchResultMsg{health: &h, sessions: sessions}
	}
}

func (m *monitorModel) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), tickEvery(pollInterval))
	case fetchResultMsg:
		m.err = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.sessions = msg.sessions
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *monitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("devicegateway monitor") + "  " + mutedStyle.Render(m.addr) + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("fetch error: "+m.err.Error()) + "\n")
	} else if m.health == nil {
		b.WriteString(m.spinner.View() + " connecting...\n")
	} else {
		b.WriteString(sectionStyle.Render("Gateway") + "\n")
		b.WriteString(fmt.Sprintf("  broker:        %s\n", boolBadge(m.health.BrokerConnected)))
		b.WriteString(fmt.Sprintf("  dispatcher:    %s\n", boolBadge(m.health.DispatcherRunning)))
		b.WriteString(fmt.Sprintf("  uptime:        %ds\n", m.health.UptimeSeconds))
		b.WriteString(fmt.Sprintf("  commands:      pending=%d sent=%d failed=%d\n",
			m.health.CommandsPending, m.health.CommandsSentTotal, m.health.CommandsFailedTotal))
		b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("Active sessions (%d)", len(m.sessions))) + "\n")

		if len(m.sessions) == 0 {
			b.WriteString(mutedStyle.Render("  none\n"))
		}
		for _, s := range m.sessions {
			b.WriteString(fmt.Sprintf("  %-14s %-18s %s\n", s.DeviceMAC, s.State, s.CurrentImageName))
		}
	}

	b.WriteString("\n" + mutedStyle.Render("q to quit") + "\n")
	return b.String()
}

func boolBadge(ok bool) string {
	if ok {
		return okStyle.Render("up")
	}
	return warnStyle.Render("down")
}
