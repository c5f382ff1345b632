package polestar

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned by authenticated operations before a successful Login.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoVehicles indicates that the account has no vehicles attached.
	ErrNoVehicles = errors.New("no vehicles found")

	// ErrVehicleNotFound is matched by *VehicleNotFoundError.
	ErrVehicleNotFound = errors.New("vehicle not found")

	// ErrNoVehicleSelected is returned by per-vehicle calls made before SelectVehicle.
	ErrNoVehicleSelected = errors.New("no vehicle selected")

	// ErrNoDataForVIN is matched by *NoDataError.
	ErrNoDataForVIN = errors.New("no data for VIN")

	// ErrUnauthorized indicates that the API rejected the access token (401/403).
	ErrUnauthorized = errors.New("access token rejected")
)

// ConfigError reports invalid construction parameters. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// LoginFlowError reports an unexpected response shape at one hop of the login flow.
// The session stays logged out when it is returned.
type LoginFlowError struct {
	Step   string
	Reason string
	Err    error
}

func (e *LoginFlowError) Error() string {
	msg := fmt.Sprintf("login flow failed at %s: %s", e.Step, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginFlowError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports credentials rejected by the identity provider.
// The provider signals this through the same redirect shape as other login flow
// failures, so it is only produced when the response content makes it unambiguous.
// It unwraps to the underlying *LoginFlowError.
type AuthenticationError struct {
	Reason string
	Flow   *LoginFlowError
}

func (e *AuthenticationError) Error() string {
	if e.Flow == nil {
		return "authentication failed: " + e.Reason
	}
	return "authentication failed: " + e.Reason + " (" + e.Flow.Reason + ")"
}

func (e *AuthenticationError) Unwrap() error {
	return e.Flow
}

// tokenRefreshError stays inside the session; a failed refresh triggers a full login.
type tokenRefreshError struct {
	Err error
}

func (e *tokenRefreshError) Error() string {
	return "token refresh failed: " + e.Err.Error()
}

func (e *tokenRefreshError) Unwrap() error {
	return e.Err
}

// VehicleNotFoundError is returned by SelectVehicle for a VIN the account does not own.
type VehicleNotFoundError struct {
	VIN string
}

func (e *VehicleNotFoundError) Error() string {
	return fmt.Sprintf("vehicle not found: %s", e.VIN)
}

func (e *VehicleNotFoundError) Is(target error) bool {
	return target == ErrVehicleNotFound
}

// NoDataError is returned when a telemetry response holds no record for the selected VIN.
type NoDataError struct {
	VIN    string
	Record string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no %s data for VIN %s", e.Record, e.VIN)
}

func (e *NoDataError) Is(target error) bool {
	return target == ErrNoDataForVIN
}

// TransportError wraps network-level failures (DNS, connection, timeout).
// HTTP status codes are never reported as TransportError.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Operation string
	Messages  []string
}

func (e *GraphQLError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("graphql %s failed", e.Operation)
	}
	return fmt.Sprintf("graphql %s failed: %s", e.Operation, e.Messages[0])
}
