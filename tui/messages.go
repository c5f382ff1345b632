package tui

import (
	"time"

	"github.com/go-authgate/polestar-cli/polestar"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgLoggingIn signals that the browser-less sign-in has started.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals that tokens were obtained.
type MsgLoginOK struct{ ExpiresAt time.Time }

// MsgSessionStatus carries the session lifecycle state for the status command.
type MsgSessionStatus struct {
	State     polestar.AuthState
	ExpiresAt time.Time
	Active    bool
}

// MsgVehicles carries the vehicles attached to the account.
type MsgVehicles struct{ Vehicles []polestar.Vehicle }

// MsgVehicleSelected signals which vehicle per-vehicle calls target.
type MsgVehicleSelected struct{ Vehicle polestar.Vehicle }

// MsgFetchingTelemetry signals that a telemetry request is in flight.
type MsgFetchingTelemetry struct{ VIN string }

// MsgRecord carries one battery, odometer or health record.
type MsgRecord struct {
	Title  string
	fields []field
}

// MsgExported signals that telemetry was written to the export file.
type MsgExported struct{ Path string }

// MsgWarning reports a non-fatal failure.
type MsgWarning struct {
	Msg string
	Err error
}

// MsgDone signals successful completion of the command.
type MsgDone struct{}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
