package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/polestar-cli/polestar"
)

// tickMsg is fired every second to update the token countdown.
type tickMsg time.Time

// state represents the current phase of a command.
type state int

const (
	stateInit      state = iota
	stateLoggingIn       // browser-less sign-in in progress
	stateFetching        // waiting for the vehicle API
	stateSuccess         // all done
	stateError           // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// record is one titled block of label/value rows.
type record struct {
	title  string
	fields []field
}

// Model is the BubbleTea model for the CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	email     string
	vehicle   *polestar.Vehicle
	expiresAt time.Time
	remaining time.Duration

	vehicles []polestar.Vehicle
	records  []record
	errMsg   string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("75")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("75")).
			Padding(0, 2)

	styleRecordBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("244")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("75"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.expiresAt), 0)
		if m.remaining > 0 && m.state != stateSuccess && m.state != stateError {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Command messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgLoggingIn:
		m.email = msg.Email
		m.state = stateLoggingIn
		return m, nil

	case MsgLoginOK:
		m.expiresAt = msg.ExpiresAt
		m.remaining = time.Until(msg.ExpiresAt)
		m.state = stateFetching
		m.addStatus(statusOK, "Signed in as "+m.email)
		return m, tickAfterSecond()

	case MsgSessionStatus:
		m.expiresAt = msg.ExpiresAt
		m.records = append(m.records, record{
			title: "Session",
			fields: []field{
				{"State", msg.State.String()},
				{"Refresh due", msg.ExpiresAt.Local().Format(time.RFC3339)},
				{"Token active", fmt.Sprintf("%t", msg.Active)},
			},
		})
		return m, nil

	case MsgVehicles:
		m.vehicles = msg.Vehicles
		m.addStatus(statusOK, fmt.Sprintf("Found %d vehicle(s)", len(msg.Vehicles)))
		return m, nil

	case MsgVehicleSelected:
		v := msg.Vehicle
		m.vehicle = &v
		m.addStatus(statusInfo, fmt.Sprintf("Vehicle %s (%s)", v.VIN, v.ModelName()))
		return m, nil

	case MsgFetchingTelemetry:
		m.state = stateFetching
		m.addStatus(statusInfo, "Fetching telemetry for "+msg.VIN)
		return m, nil

	case MsgRecord:
		m.records = append(m.records, record{title: msg.Title, fields: msg.fields})
		return m, nil

	case MsgExported:
		m.addStatus(statusOK, "Telemetry exported to "+msg.Path)
		return m, nil

	case MsgWarning:
		m.addStatus(statusWarn, fmt.Sprintf("%s: %v", msg.Msg, msg.Err))
		return m, nil

	case MsgDone:
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = errorText(msg.Err)
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while signing in and fetching.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Polestar  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in to Polestar ID as ")
		b.WriteString(styleBold.Render(m.email))
		b.WriteString("...\n")

	case stateFetching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Talking to the vehicle API...")
		if m.remaining > 0 {
			b.WriteString("  ")
			b.WriteString(styleDim.Render("token refresh in " + formatDuration(m.remaining)))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess shows the fetched data.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.vehicle != nil {
		b.WriteString(styleOK.Render(fmt.Sprintf("  ✓ %s  %s", m.vehicle.ModelName(), m.vehicle.VIN)))
	} else {
		b.WriteString(styleOK.Render("  ✓ Done"))
	}
	b.WriteString("\n")

	if len(m.vehicles) > 0 {
		b.WriteString("\n")
		b.WriteString(m.viewVehicles())
	}
	for _, r := range m.records {
		b.WriteString("\n")
		b.WriteString(m.viewRecord(r))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewVehicles() string {
	widths := make([]int, len(vehicleHeader))
	rows := [][]string{vehicleHeader}
	for _, v := range m.vehicles {
		rows = append(rows, vehicleRow(v))
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for n, row := range rows {
		b.WriteString("  ")
		for i, cell := range row {
			text := cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2)
			if n == 0 {
				text = styleBold.Render(text)
			}
			b.WriteString(text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewRecord(r record) string {
	labelWidth := 0
	for _, f := range r.fields {
		labelWidth = max(labelWidth, lipgloss.Width(f.label))
	}

	var b strings.Builder
	b.WriteString(styleBold.Render(r.title))
	for _, f := range r.fields {
		b.WriteString("\n")
		b.WriteString(styleDim.Render(f.label + strings.Repeat(" ", labelWidth-lipgloss.Width(f.label)+2)))
		b.WriteString(f.value)
	}
	return styleRecordBox.Render(b.String())
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
