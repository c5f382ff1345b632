package polestar

import "time"

// Vehicle is one car attached to the account.
type Vehicle struct {
	VIN                        string         `json:"vin"`
	InternalID                 string         `json:"internalVehicleIdentifier"`
	ModelYear                  string         `json:"modelYear"`
	Content                    VehicleContent `json:"content"`
	HasPerformancePackage      bool           `json:"hasPerformancePackage"`
	RegistrationNo             string         `json:"registrationNo"`
	DeliveryDate               string         `json:"deliveryDate"`
	CurrentPlannedDeliveryDate string         `json:"currentPlannedDeliveryDate"`
}

type VehicleContent struct {
	Model struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"model"`
}

// ModelName returns the marketing name of the model, e.g. "Polestar 2".
func (v Vehicle) ModelName() string {
	return v.Content.Model.Name
}

// VehicleSelection identifies the vehicle per-vehicle calls are made for.
type VehicleSelection struct {
	VIN        string
	InternalID string
}

// EventTimestamp is the server-side time a record was last updated.
type EventTimestamp struct {
	ISO  string `json:"iso"`
	Unix string `json:"unix"`
}

// Time parses ISO, returning the zero time when it is absent or malformed.
func (t EventTimestamp) Time() time.Time {
	ts, err := time.Parse(time.RFC3339, t.ISO)
	if err != nil {
		return time.Time{}
	}
	return ts
}

type Battery struct {
	VIN                                          string         `json:"vin"`
	AverageEnergyConsumptionKwhPer100Km          float64        `json:"averageEnergyConsumptionKwhPer100Km"`
	BatteryChargeLevelPercentage                 float64        `json:"batteryChargeLevelPercentage"`
	ChargerConnectionStatus                      string         `json:"chargerConnectionStatus"`
	ChargingCurrentAmps                          float64        `json:"chargingCurrentAmps"`
	ChargingPowerWatts                           float64        `json:"chargingPowerWatts"`
	ChargingStatus                               string         `json:"chargingStatus"`
	EstimatedChargingTimeMinutesToTargetDistance float64        `json:"estimatedChargingTimeMinutesToTargetDistance"`
	EstimatedChargingTimeToFullMinutes           float64        `json:"estimatedChargingTimeToFullMinutes"`
	EstimatedDistanceToEmptyKm                   float64        `json:"estimatedDistanceToEmptyKm"`
	EstimatedDistanceToEmptyMiles                float64        `json:"estimatedDistanceToEmptyMiles"`
	EventUpdatedTimestamp                        EventTimestamp `json:"eventUpdatedTimestamp"`
}

type Odometer struct {
	VIN                   string         `json:"vin"`
	AverageSpeedKmPerHour float64        `json:"averageSpeedKmPerHour"`
	OdometerMeters        float64        `json:"odometerMeters"`
	TripMeterAutomaticKm  float64        `json:"tripMeterAutomaticKm"`
	TripMeterManualKm     float64        `json:"tripMeterManualKm"`
	EventUpdatedTimestamp EventTimestamp `json:"eventUpdatedTimestamp"`
}

type Health struct {
	VIN                       string         `json:"vin"`
	BrakeFluidLevelWarning    string         `json:"brakeFluidLevelWarning"`
	DaysToService             int            `json:"daysToService"`
	DistanceToServiceKm       int            `json:"distanceToServiceKm"`
	EngineCoolantLevelWarning string         `json:"engineCoolantLevelWarning"`
	OilLevelWarning           string         `json:"oilLevelWarning"`
	ServiceWarning            string         `json:"serviceWarning"`
	EventUpdatedTimestamp     EventTimestamp `json:"eventUpdatedTimestamp"`
}

// Telemetry is the combined battery, odometer and health response. The API may
// answer for several VINs at once; use the For* accessors to pick one.
type Telemetry struct {
	Health   []Health   `json:"health"`
	Battery  []Battery  `json:"battery"`
	Odometer []Odometer `json:"odometer"`
}

// BatteryFor returns the battery record of vin.
func (t *Telemetry) BatteryFor(vin string) (*Battery, error) {
	for i := range t.Battery {
		if t.Battery[i].VIN == vin {
			return &t.Battery[i], nil
		}
	}
	return nil, &NoDataError{VIN: vin, Record: "battery"}
}

// OdometerFor returns the odometer record of vin.
func (t *Telemetry) OdometerFor(vin string) (*Odometer, error) {
	for i := range t.Odometer {
		if t.Odometer[i].VIN == vin {
			return &t.Odometer[i], nil
		}
	}
	return nil, &NoDataError{VIN: vin, Record: "odometer"}
}

// HealthFor returns the health record of vin.
func (t *Telemetry) HealthFor(vin string) (*Health, error) {
	for i := range t.Health {
		if t.Health[i].VIN == vin {
			return &t.Health[i], nil
		}
	}
	return nil, &NoDataError{VIN: vin, Record: "health"}
}

// TelemetrySnapshot is a Telemetry response and the time it was fetched.
type TelemetrySnapshot struct {
	VIN       string
	Payload   *Telemetry
	FetchedAt time.Time
}
