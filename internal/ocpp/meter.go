package ocpp

import (
	"strconv"
	"time"

	"csms/internal/models"
)

// Measurands kept from MeterValues payloads. Everything else is skipped.
var keptMeasurands = map[string]bool{
	"Energy.Active.Import.Register": true,
	"Energy.Active.Import.Interval": true,
	"Voltage":                       true,
	"Current.Import":                true,
	"Current.Offered":               true,
	"Temperature":                   true,
	"SoC":                           true,
}

// parseMeterValues flattens an OCPP 1.6 MeterValues payload into typed
// readings. Energy values reported in Wh are converted to kWh. Defensive on
// every field: bad values drop the sample, never fail the message.
func parseMeterValues(serial string, connectorID, transactionID int, payload map[string]any) []models.MeterReading {
	values, _ := payload["meterValue"].([]any)
	var out []models.MeterReading

	for _, v := range values {
		mv, ok := v.(map[string]any)
		if !ok {
			continue
		}
		ts := parseTimestamp(mv["timestamp"])
		sampled, _ := mv["sampledValue"].([]any)
		for _, sv := range sampled {
			sample, ok := sv.(map[string]any)
			if !ok {
				continue
			}
			measurand, _ := sample["measurand"].(string)
			if measurand == "" {
				// Absent measurand defaults to the energy register per OCPP 1.6.
				measurand = "Energy.Active.Import.Register"
			}
			if !keptMeasurands[measurand] {
				continue
			}
			value, ok := floatFromAny(sample["value"])
			if !ok {
				continue
			}
			unit, _ := sample["unit"].(string)
			phase, _ := sample["phase"].(string)

			if measurand == "Energy.Active.Import.Register" || measurand == "Energy.Active.Import.Interval" {
				if unit == "" || unit == "Wh" {
					value /= 1000
					unit = "kWh"
				}
			}

			out = append(out, models.MeterReading{
				Serial:        serial,
				ConnectorID:   connectorID,
				TransactionID: transactionID,
				Timestamp:     ts,
				Measurand:     measurand,
				Value:         value,
				Unit:          unit,
				Phase:         phase,
			})
		}
	}
	return out
}

func parseTimestamp(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func floatFromAny(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

func int64FromAny(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
