package polestar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	queryVehicles = `query GetConsumerCarsV2 {
  getConsumerCarsV2 {
    vin
    internalVehicleIdentifier
    modelYear
    content { model { code name } }
    hasPerformancePackage
    registrationNo
    deliveryDate
    currentPlannedDeliveryDate
  }
}`

	queryTelemetry = `query CarTelematics($vins: [String!]!) {
  carTelematics(vins: $vins) {
    health {
      vin
      brakeFluidLevelWarning
      daysToService
      distanceToServiceKm
      engineCoolantLevelWarning
      oilLevelWarning
      serviceWarning
      eventUpdatedTimestamp { iso unix }
    }
    battery {
      vin
      averageEnergyConsumptionKwhPer100Km
      batteryChargeLevelPercentage
      chargerConnectionStatus
      chargingCurrentAmps
      chargingPowerWatts
      chargingStatus
      estimatedChargingTimeMinutesToTargetDistance
      estimatedChargingTimeToFullMinutes
      estimatedDistanceToEmptyKm
      estimatedDistanceToEmptyMiles
      eventUpdatedTimestamp { iso unix }
    }
    odometer {
      vin
      averageSpeedKmPerHour
      odometerMeters
      tripMeterAutomaticKm
      tripMeterManualKm
      eventUpdatedTimestamp { iso unix }
    }
  }
}`

	queryRefreshToken = `query refreshAuthToken($token: String!) {
  refreshAuthToken(token: $token) {
    access_token
    expires_in
    id_token
    refresh_token
  }
}`

	queryIntrospectToken = `query introspectToken($token: String!) {
  introspectToken(token: $token) {
    active
  }
}`
)

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   jsoniter.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// graphQL sends one operation to endpoint and decodes its data member into out.
// Queries go out as GET with URL parameters, mutations and anything carrying a
// token as POST. bearer may be empty for unauthenticated operations.
func graphQL(
	ctx context.Context,
	transport Transport,
	endpoint, bearer string,
	op graphQLRequest,
	usePost bool,
	out any,
) error {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	if op.Variables == nil {
		op.Variables = map[string]any{}
	}

	req := &Request{Header: header, Idempotent: true}
	if usePost {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op.OperationName, err)
		}
		req.Method = http.MethodPost
		req.URL = endpoint
		req.Body = body
	} else {
		vars, err := json.Marshal(op.Variables)
		if err != nil {
			return fmt.Errorf("failed to encode %s variables: %w", op.OperationName, err)
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid GraphQL endpoint: %w", err)
		}
		q := u.Query()
		q.Set("query", op.Query)
		q.Set("operationName", op.OperationName)
		q.Set("variables", string(vars))
		u.RawQuery = q.Encode()
		req.Method = http.MethodGet
		req.URL = u.String()
	}

	resp, err := transport.RoundTrip(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w (status %d)", op.OperationName, ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"%s failed with status %d: %s",
			op.OperationName,
			resp.StatusCode,
			truncate(string(resp.Body), 200),
		)
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op.OperationName, err)
	}
	if len(envelope.Errors) > 0 {
		gqlErr := &GraphQLError{Operation: op.OperationName}
		for _, e := range envelope.Errors {
			gqlErr.Messages = append(gqlErr.Messages, e.Message)
		}
		return gqlErr
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("%s response has no data", op.OperationName)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", op.OperationName, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
