package ocpp

import (
	"context"
	"fmt"
	"time"

	"csms/internal/models"

	"go.uber.org/zap"
)

// Station-initiated CALL actions, dispatched by name. Each handler returns
// the CALLRESULT payload.
var callHandlers = map[string]func(*Conn, context.Context, map[string]any) (map[string]any, error){
	"BootNotification":              (*Conn).handleBootNotification,
	"Heartbeat":                     (*Conn).handleHeartbeat,
	"Authorize":                     (*Conn).handleAuthorize,
	"StatusNotification":            (*Conn).handleStatusNotification,
	"MeterValues":                   (*Conn).handleMeterValues,
	"StartTransaction":              (*Conn).handleStartTransaction,
	"StopTransaction":               (*Conn).handleStopTransaction,
	"DataTransfer":                  (*Conn).handleDataTransfer,
	"FirmwareStatusNotification":    (*Conn).handleFirmwareStatusNotification,
	"DiagnosticsStatusNotification": (*Conn).handleDiagnosticsStatusNotification,
}

func (c *Conn) handleBootNotification(ctx context.Context, payload map[string]any) (map[string]any, error) {
	vendor, _ := payload["chargePointVendor"].(string)
	model, _ := payload["chargePointModel"].(string)
	firmware, _ := payload["firmwareVersion"].(string)

	if err := c.endpoint.backend.Chargers.UpdateBootInfo(ctx, c.serial, vendor, model, firmware); err != nil {
		c.logger.Warn("saving boot info", zap.Error(err))
	}
	c.endpoint.store.Logs.AppendLog(c.logKey(),
		fmt.Sprintf("boot notification: vendor=%s model=%s firmware=%s", vendor, model, firmware))

	return map[string]any{
		"status":      "Accepted",
		"currentTime": time.Now().UTC().Format(time.RFC3339),
		"interval":    int(c.endpoint.cfg.BootInterval.Seconds()),
	}, nil
}

func (c *Conn) handleHeartbeat(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if err := c.endpoint.backend.Chargers.TouchHeartbeat(ctx, c.serial, time.Now().UTC()); err != nil {
		c.logger.Warn("saving heartbeat", zap.Error(err))
	}
	return map[string]any{
		"currentTime": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Conn) handleAuthorize(ctx context.Context, payload map[string]any) (map[string]any, error) {
	idTag, _ := payload["idTag"].(string)
	status, err := c.authorizeTag(ctx, idTag)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"idTagInfo": map[string]any{"status": status},
	}, nil
}

// authorizeTag applies the RFID policy: open access unless the charger
// requires RFID, in which case the account must still be allowed to
// authorize. A rejection is a protocol-level status, not an error.
func (c *Conn) authorizeTag(ctx context.Context, idTag string) (string, error) {
	if !c.charger.RequiresRFID {
		return "Accepted", nil
	}
	allowed, err := c.endpoint.backend.Accounts.Authorize(ctx, idTag)
	if err != nil {
		return "", fmt.Errorf("authorize lookup for %q: %w", idTag, err)
	}
	if !allowed {
		c.endpoint.store.Logs.AppendLog(c.logKey(), "rejected id tag "+idTag)
		return "Invalid", nil
	}
	return "Accepted", nil
}

func (c *Conn) handleStatusNotification(ctx context.Context, payload map[string]any) (map[string]any, error) {
	connectorID, _ := intFromAny(payload["connectorId"])
	status, _ := payload["status"].(string)
	errorCode, _ := payload["errorCode"].(string)

	c.learnConnector(connectorID)

	if err := c.endpoint.backend.State.UpsertConnector(ctx, models.ConnectorState{
		Serial:      c.serial,
		ConnectorID: connectorID,
		Status:      status,
		ErrorCode:   errorCode,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("saving connector state", zap.Error(err))
	}
	return map[string]any{}, nil
}

func (c *Conn) handleMeterValues(ctx context.Context, payload map[string]any) (map[string]any, error) {
	connectorID, _ := intFromAny(payload["connectorId"])
	transactionID, hasTx := intFromAny(payload["transactionId"])

	c.learnConnector(connectorID)

	if hasTx && transactionID > 0 {
		// A meter value naming an unseen transaction opens its session log.
		if cur, ok := c.endpoint.store.Logs.HasSession(c.serial); !ok || cur != transactionID {
			if err := c.endpoint.store.Logs.StartSession(c.serial, transactionID); err != nil {
				c.logger.Warn("opening session log", zap.Error(err))
			}
		}
	}

	readings := parseMeterValues(c.serial, connectorID, transactionID, payload)
	if len(readings) > 0 {
		if err := c.endpoint.backend.Meters.Insert(ctx, readings); err != nil {
			c.logger.Warn("saving meter readings", zap.Error(err))
		}
	}
	return map[string]any{}, nil
}

func (c *Conn) handleStartTransaction(ctx context.Context, payload map[string]any) (map[string]any, error) {
	connectorID, _ := intFromAny(payload["connectorId"])
	idTag, _ := payload["idTag"].(string)

	c.learnConnector(connectorID)

	status, err := c.authorizeTag(ctx, idTag)
	if err != nil {
		return nil, err
	}
	if status != "Accepted" {
		return map[string]any{
			"transactionId": 0,
			"idTagInfo":     map[string]any{"status": status},
		}, nil
	}

	var meterStart *int64
	if v, ok := int64FromAny(payload["meterStart"]); ok {
		meterStart = &v
	}

	txID, err := c.endpoint.backend.Transactions.Start(ctx, models.Transaction{
		ChargerID:   c.charger.ID,
		Serial:      c.serial,
		ConnectorID: connectorID,
		IDTag:       idTag,
		StartTime:   parseTimestamp(payload["timestamp"]),
		MeterStart:  meterStart,
	})
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	if err := c.endpoint.store.Logs.StartSession(c.serial, txID); err != nil {
		c.logger.Warn("opening session log", zap.Error(err))
	}
	c.endpoint.store.Logs.AppendLog(c.logKey(),
		fmt.Sprintf("transaction %d started on connector %d", txID, connectorID))

	return map[string]any{
		"transactionId": txID,
		"idTagInfo":     map[string]any{"status": "Accepted"},
	}, nil
}

func (c *Conn) handleStopTransaction(ctx context.Context, payload map[string]any) (map[string]any, error) {
	transactionID, _ := intFromAny(payload["transactionId"])

	var meterStop *int64
	if v, ok := int64FromAny(payload["meterStop"]); ok {
		meterStop = &v
	} else if transactionID > 0 {
		// Some stations omit meterStop; fall back to the last energy
		// register sample recorded for the transaction.
		if wh, found, err := c.endpoint.backend.Meters.LastEnergyWh(ctx, transactionID); err != nil {
			c.logger.Warn("energy fallback lookup", zap.Error(err))
		} else if found {
			meterStop = &wh
		}
	}
	var reason *string
	if s, ok := payload["reason"].(string); ok && s != "" {
		reason = &s
	}

	if err := c.endpoint.backend.Transactions.Stop(ctx, transactionID, parseTimestamp(payload["timestamp"]), meterStop, reason); err != nil {
		return nil, fmt.Errorf("stopping transaction %d: %w", transactionID, err)
	}

	c.endpoint.store.Logs.EndSession(c.serial)
	c.endpoint.store.Logs.AppendLog(c.logKey(),
		fmt.Sprintf("transaction %d stopped", transactionID))

	return map[string]any{
		"idTagInfo": map[string]any{"status": "Accepted"},
	}, nil
}

func (c *Conn) handleDataTransfer(_ context.Context, payload map[string]any) (map[string]any, error) {
	vendorID, _ := payload["vendorId"].(string)
	c.endpoint.store.Logs.AppendLog(c.logKey(), "data transfer from vendor "+vendorID)
	return map[string]any{"status": "Accepted"}, nil
}

func (c *Conn) handleFirmwareStatusNotification(ctx context.Context, payload map[string]any) (map[string]any, error) {
	status, _ := payload["status"].(string)
	if err := c.endpoint.backend.Chargers.SetFirmwareStatus(ctx, c.serial, status); err != nil {
		c.logger.Warn("saving firmware status", zap.Error(err))
	}
	c.endpoint.store.Logs.AppendLog(c.logKey(), "firmware status "+status)
	return map[string]any{}, nil
}

func (c *Conn) handleDiagnosticsStatusNotification(_ context.Context, payload map[string]any) (map[string]any, error) {
	status, _ := payload["status"].(string)
	c.endpoint.store.Logs.AppendLog(c.logKey(), "diagnostics status "+status)
	return map[string]any{}, nil
}
