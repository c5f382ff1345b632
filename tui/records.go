package tui

import (
	"fmt"
	"strings"

	"github.com/go-authgate/polestar-cli/polestar"
)

// field is one label/value row of a record view.
type field struct {
	label string
	value string
}

func batteryFields(b *polestar.Battery) []field {
	return []field{
		{"Charge level", fmt.Sprintf("%.0f%%", b.BatteryChargeLevelPercentage)},
		{"Range", fmt.Sprintf("%.0f km", b.EstimatedDistanceToEmptyKm)},
		{"Charging", enumText(b.ChargingStatus, "CHARGING_STATUS_")},
		{"Charger", enumText(b.ChargerConnectionStatus, "CHARGER_CONNECTION_STATUS_")},
		{"Charging power", fmt.Sprintf("%.1f kW", b.ChargingPowerWatts/1000)},
		{"Time to full", fmt.Sprintf("%.0f min", b.EstimatedChargingTimeToFullMinutes)},
		{"Consumption", fmt.Sprintf("%.1f kWh/100km", b.AverageEnergyConsumptionKwhPer100Km)},
		{"Updated", timestampText(b.EventUpdatedTimestamp)},
	}
}

func odometerFields(o *polestar.Odometer) []field {
	return []field{
		{"Odometer", fmt.Sprintf("%.0f km", o.OdometerMeters/1000)},
		{"Trip (automatic)", fmt.Sprintf("%.1f km", o.TripMeterAutomaticKm)},
		{"Trip (manual)", fmt.Sprintf("%.1f km", o.TripMeterManualKm)},
		{"Average speed", fmt.Sprintf("%.0f km/h", o.AverageSpeedKmPerHour)},
		{"Updated", timestampText(o.EventUpdatedTimestamp)},
	}
}

func healthFields(h *polestar.Health) []field {
	return []field{
		{"Days to service", fmt.Sprintf("%d", h.DaysToService)},
		{"Distance to service", fmt.Sprintf("%d km", h.DistanceToServiceKm)},
		{"Service", enumText(h.ServiceWarning, "SERVICE_WARNING_")},
		{"Brake fluid", enumText(h.BrakeFluidLevelWarning, "BRAKE_FLUID_LEVEL_WARNING_")},
		{"Coolant", enumText(h.EngineCoolantLevelWarning, "ENGINE_COOLANT_LEVEL_WARNING_")},
		{"Oil", enumText(h.OilLevelWarning, "OIL_LEVEL_WARNING_")},
		{"Updated", timestampText(h.EventUpdatedTimestamp)},
	}
}

func vehicleRow(v polestar.Vehicle) []string {
	return []string{v.VIN, v.ModelName(), v.ModelYear, v.RegistrationNo}
}

var vehicleHeader = []string{"VIN", "Model", "Year", "Registration"}

// enumText turns "CHARGING_STATUS_IDLE" into "idle".
func enumText(v, prefix string) string {
	if v == "" {
		return "-"
	}
	v = strings.TrimPrefix(v, prefix)
	return strings.ToLower(strings.ReplaceAll(v, "_", " "))
}

func timestampText(ts polestar.EventTimestamp) string {
	t := ts.Time()
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
