package tui

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/olekukonko/tablewriter"

	"github.com/go-authgate/polestar-cli/polestar"
)

// Displayer abstracts all output of the CLI.
type Displayer interface {
	Banner()
	LoggingIn(email string)
	LoginOK(expiresAt time.Time)
	SessionStatus(state polestar.AuthState, expiresAt time.Time, active bool)
	Vehicles(vehicles []polestar.Vehicle)
	VehicleSelected(v *polestar.Vehicle)
	FetchingTelemetry(vin string)
	Battery(b *polestar.Battery)
	Odometer(o *polestar.Odometer)
	Health(h *polestar.Health)
	Exported(path string)
	Warning(msg string, err error)
	Done()
	Fatal(err error)
}

// errorText describes err for the user. Rejected credentials get their own
// wording since the provider reports them like any other login failure.
func errorText(err error) string {
	var authErr *polestar.AuthenticationError
	switch {
	case errors.As(err, &authErr):
		return "Polestar ID rejected the sign-in: " + authErr.Reason
	case errors.Is(err, polestar.ErrNoVehicles):
		return "No vehicles are attached to this account"
	case errors.Is(err, polestar.ErrVehicleNotFound):
		return err.Error() + " (run the vehicles command to list VINs)"
	default:
		return err.Error()
	}
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Polestar CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Signing in to Polestar ID as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(expiresAt time.Time) {
	fmt.Fprintf(p.w, "Signed in, token valid until %s\n", expiresAt.Local().Format(time.Kitchen))
}

func (p *PlainDisplayer) SessionStatus(state polestar.AuthState, expiresAt time.Time, active bool) {
	fmt.Fprintf(p.w, "Session:      %s\n", state)
	fmt.Fprintf(p.w, "Refresh due:  %s\n", expiresAt.Local().Format(time.RFC3339))
	fmt.Fprintf(p.w, "Token active: %t\n", active)
}

func (p *PlainDisplayer) Vehicles(vehicles []polestar.Vehicle) {
	table := tablewriter.NewWriter(p.w)
	table.SetHeader(vehicleHeader)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	for _, v := range vehicles {
		table.Append(vehicleRow(v))
	}
	table.Render()
}

func (p *PlainDisplayer) VehicleSelected(v *polestar.Vehicle) {
	fmt.Fprintf(p.w, "Vehicle: %s (%s)\n", v.VIN, v.ModelName())
}

func (p *PlainDisplayer) FetchingTelemetry(vin string) {
	fmt.Fprintf(p.w, "Fetching telemetry for %s...\n", vin)
}

func (p *PlainDisplayer) Battery(b *polestar.Battery) {
	p.record("Battery", batteryFields(b))
}

func (p *PlainDisplayer) Odometer(o *polestar.Odometer) {
	p.record("Odometer", odometerFields(o))
}

func (p *PlainDisplayer) Health(h *polestar.Health) {
	p.record("Health", healthFields(h))
}

func (p *PlainDisplayer) record(title string, fields []field) {
	fmt.Fprintf(p.w, "\n%s\n", title)
	table := tablewriter.NewWriter(p.w)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, f := range fields {
		table.Append([]string{f.label, f.value})
	}
	table.Render()
}

func (p *PlainDisplayer) Exported(path string) {
	fmt.Fprintf(p.w, "Telemetry exported to %s\n", path)
}

func (p *PlainDisplayer) Warning(msg string, err error) {
	fmt.Fprintf(p.w, "Warning: %s: %v\n", msg, err)
}

func (p *PlainDisplayer) Done() {}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %s\n", errorText(err))
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                                 {}
func (NoopDisplayer) LoggingIn(_ string)                                      {}
func (NoopDisplayer) LoginOK(_ time.Time)                                     {}
func (NoopDisplayer) SessionStatus(_ polestar.AuthState, _ time.Time, _ bool) {}
func (NoopDisplayer) Vehicles(_ []polestar.Vehicle)                           {}
func (NoopDisplayer) VehicleSelected(_ *polestar.Vehicle)                     {}
func (NoopDisplayer) FetchingTelemetry(_ string)                              {}
func (NoopDisplayer) Battery(_ *polestar.Battery)                             {}
func (NoopDisplayer) Odometer(_ *polestar.Odometer)                           {}
func (NoopDisplayer) Health(_ *polestar.Health)                               {}
func (NoopDisplayer) Exported(_ string)                                       {}
func (NoopDisplayer) Warning(_ string, _ error)                               {}
func (NoopDisplayer) Done()                                                   {}
func (NoopDisplayer) Fatal(_ error)                                           {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(expiresAt time.Time) {
	t.p.Send(MsgLoginOK{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) SessionStatus(state polestar.AuthState, expiresAt time.Time, active bool) {
	t.p.Send(MsgSessionStatus{State: state, ExpiresAt: expiresAt, Active: active})
}

func (t *ProgramDisplayer) Vehicles(vehicles []polestar.Vehicle) {
	t.p.Send(MsgVehicles{Vehicles: vehicles})
}

func (t *ProgramDisplayer) VehicleSelected(v *polestar.Vehicle) {
	t.p.Send(MsgVehicleSelected{Vehicle: *v})
}

func (t *ProgramDisplayer) FetchingTelemetry(vin string) {
	t.p.Send(MsgFetchingTelemetry{VIN: vin})
}

func (t *ProgramDisplayer) Battery(b *polestar.Battery) {
	t.p.Send(MsgRecord{Title: "Battery", fields: batteryFields(b)})
}

func (t *ProgramDisplayer) Odometer(o *polestar.Odometer) {
	t.p.Send(MsgRecord{Title: "Odometer", fields: odometerFields(o)})
}

func (t *ProgramDisplayer) Health(h *polestar.Health) {
	t.p.Send(MsgRecord{Title: "Health", fields: healthFields(h)})
}

func (t *ProgramDisplayer) Exported(path string) {
	t.p.Send(MsgExported{Path: path})
}

func (t *ProgramDisplayer) Warning(msg string, err error) {
	t.p.Send(MsgWarning{Msg: msg, Err: err})
}

func (t *ProgramDisplayer) Done() {
	t.p.Send(MsgDone{})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
