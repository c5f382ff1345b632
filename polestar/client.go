package polestar

import (
	"context"
	"errors"
	"strings"
)

// query sends an authenticated GraphQL query to the vehicle API. When the API
// rejects the access token, the token is refreshed and the query sent once more.
func (s *Session) query(ctx context.Context, op graphQLRequest, out any) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	err = graphQL(ctx, s.transport, s.cfg.APIURL, token, op, false, out)
	if errors.Is(err, ErrUnauthorized) {
		s.log.WithField("operation", op.OperationName).Info("Access token rejected, refreshing")
		s.expire(token)

		token, err = s.accessToken(ctx)
		if err == nil {
			err = graphQL(ctx, s.transport, s.cfg.APIURL, token, op, false, out)
		}
	}

	s.metrics.observeAPI(op.OperationName, err)
	return err
}

// ListVehicles returns the vehicles attached to the account, in server order.
func (s *Session) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	var data struct {
		Cars []Vehicle `json:"getConsumerCarsV2"`
	}
	err := s.query(ctx, graphQLRequest{
		Query:         queryVehicles,
		OperationName: "GetConsumerCarsV2",
	}, &data)
	if err != nil {
		return nil, err
	}
	if len(data.Cars) == 0 {
		return nil, ErrNoVehicles
	}
	return data.Cars, nil
}

// SelectVehicle makes vin the target of per-vehicle calls. An empty vin selects
// the first vehicle the server lists. An unknown vin returns a
// *VehicleNotFoundError and leaves the current selection in place.
func (s *Session) SelectVehicle(ctx context.Context, vin string) (*Vehicle, error) {
	vehicles, err := s.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}

	var chosen *Vehicle
	if vin == "" {
		chosen = &vehicles[0]
	} else {
		for i := range vehicles {
			if strings.EqualFold(vehicles[i].VIN, vin) {
				chosen = &vehicles[i]
				break
			}
		}
	}
	if chosen == nil {
		return nil, &VehicleNotFoundError{VIN: vin}
	}

	s.mu.Lock()
	previous := s.selection
	s.selection = &VehicleSelection{VIN: chosen.VIN, InternalID: chosen.InternalID}
	s.mu.Unlock()

	if previous == nil || previous.VIN != chosen.VIN {
		s.cache.invalidate()
	}

	s.log.WithField("vin", chosen.VIN).Debug("Vehicle selected")
	return chosen, nil
}

// SelectedVehicle returns the active selection.
func (s *Session) SelectedVehicle() (VehicleSelection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selection == nil {
		return VehicleSelection{}, ErrNoVehicleSelected
	}
	return *s.selection, nil
}

// Telemetry returns the battery, odometer and health snapshot of the selected
// vehicle. A snapshot younger than the cache TTL is reused.
func (s *Session) Telemetry(ctx context.Context) (*TelemetrySnapshot, error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	selection, err := s.SelectedVehicle()
	if err != nil {
		return nil, err
	}

	snap, hit, err := s.cache.get(ctx, selection.VIN, s.fetchTelemetry)
	if err != nil {
		return nil, err
	}
	s.metrics.observeCache(hit)
	return snap, nil
}

func (s *Session) fetchTelemetry(ctx context.Context, vin string) (*Telemetry, error) {
	var data struct {
		CarTelematics *Telemetry `json:"carTelematics"`
	}
	err := s.query(ctx, graphQLRequest{
		Query:         queryTelemetry,
		OperationName: "CarTelematics",
		Variables:     map[string]any{"vins": []string{vin}},
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.CarTelematics == nil {
		return nil, &NoDataError{VIN: vin, Record: "telemetry"}
	}
	return data.CarTelematics, nil
}

// Battery returns the battery record of the selected vehicle.
func (s *Session) Battery(ctx context.Context) (*Battery, error) {
	snap, err := s.Telemetry(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Payload.BatteryFor(snap.VIN)
}

// Odometer returns the odometer record of the selected vehicle.
func (s *Session) Odometer(ctx context.Context) (*Odometer, error) {
	snap, err := s.Telemetry(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Payload.OdometerFor(snap.VIN)
}

// Health returns the service and fluid-level record of the selected vehicle.
func (s *Session) Health(ctx context.Context) (*Health, error) {
	snap, err := s.Telemetry(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Payload.HealthFor(snap.VIN)
}

// IntrospectToken asks the API whether it still considers the access token
// active. The token travels in the request body, never in the URL.
func (s *Session) IntrospectToken(ctx context.Context) (bool, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return false, err
	}

	var data struct {
		IntrospectToken *struct {
			Active bool `json:"active"`
		} `json:"introspectToken"`
	}
	err = graphQL(ctx, s.transport, s.cfg.APIURL, token, graphQLRequest{
		Query:         queryIntrospectToken,
		OperationName: "introspectToken",
		Variables:     map[string]any{"token": token},
	}, true, &data)
	s.metrics.observeAPI("introspectToken", err)
	if err != nil {
		return false, err
	}
	return data.IntrospectToken != nil && data.IntrospectToken.Active, nil
}
