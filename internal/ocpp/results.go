package ocpp

import (
	"context"
	"encoding/json"
	"fmt"

	"csms/internal/store"
)

// Result handlers run when a charge point answers a CSMS-initiated call with
// a CALLRESULT. Each one logs the outcome and applies it to the owning
// domain record; pending-call resolution is handled by the dispatcher
// regardless of what happens here.
type resultHandler func(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error

var resultHandlers = map[string]resultHandler{
	"GetConfiguration":           handleGetConfigurationResult,
	"ChangeConfiguration":        handleStatusOnlyResult,
	"GetLog":                     handleGetLogResult,
	"DataTransfer":               handleStatusOnlyResult,
	"ClearCache":                 handleStatusOnlyResult,
	"TriggerMessage":             handleTriggerMessageResult,
	"UpdateFirmware":             handleUpdateFirmwareResult,
	"ReserveNow":                 handleReserveNowResult,
	"CancelReservation":          handleCancelReservationResult,
	"RemoteStartTransaction":     handleStatusOnlyResult,
	"RemoteStopTransaction":      handleStatusOnlyResult,
	"RequestStartTransaction":    handleStatusOnlyResult,
	"RequestStopTransaction":     handleStatusOnlyResult,
	"Reset":                      handleStatusOnlyResult,
	"ChangeAvailability":         handleStatusOnlyResult,
	"SetNetworkProfile":          handleStatusOnlyResult,
	"InstallCertificate":         handleStatusOnlyResult,
	"DeleteCertificate":          handleStatusOnlyResult,
	"GetInstalledCertificateIds": handleCertificateIdsResult,
	"SendLocalList":              handleSendLocalListResult,
	"GetLocalListVersion":        handleGetLocalListVersionResult,
	"GetCompositeSchedule":       handleCompositeScheduleResult,
}

func resultStatus(payload map[string]any) string {
	if s, ok := payload["status"].(string); ok {
		return s
	}
	return "Unknown"
}

// handleStatusOnlyResult covers the actions whose reply is just a status.
func handleStatusOnlyResult(_ context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("%s answered: %s", pc.Action, resultStatus(payload)))
	return nil
}

func handleGetConfigurationResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	keys, _ := payload["configurationKey"].([]any)
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("GetConfiguration answered with %d keys", len(keys)))

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return c.endpoint.backend.Chargers.SaveConfig(ctx, pc.Serial, raw)
}

func handleGetLogResult(_ context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	filename, _ := payload["filename"].(string)
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("GetLog answered: %s filename=%s", resultStatus(payload), filename))
	return nil
}

func handleTriggerMessageResult(_ context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	status := resultStatus(payload)
	requested, _ := pc.Metadata["requested"].(string)
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("TriggerMessage(%s) answered: %s", requested, status))

	if status == "Accepted" && requested != "" {
		connectorID := pc.ConnectorID
		if n, ok := intFromAny(pc.Metadata["connectorId"]); ok {
			connectorID = n
		}
		c.endpoint.store.RegisterFollowup(pc.Serial, store.Followup{
			Action:      requested,
			ConnectorID: connectorID,
			LogKey:      pc.LogKey,
			Target:      pc.Serial,
		})
	}
	return nil
}

func handleUpdateFirmwareResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, _ map[string]any) error {
	// UpdateFirmware.conf carries no payload; acceptance is implied and the
	// station reports progress via FirmwareStatusNotification.
	c.endpoint.store.Logs.AppendLog(pc.LogKey, "UpdateFirmware acknowledged")
	return c.endpoint.backend.Chargers.SetFirmwareStatus(ctx, pc.Serial, "Accepted")
}

func handleReserveNowResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	status := resultStatus(payload)
	c.endpoint.store.Logs.AppendLog(pc.LogKey, "ReserveNow answered: "+status)

	reservationID, ok := intFromAny(pc.Metadata["reservationId"])
	if !ok || c.endpoint.backend.Reservations == nil {
		return nil
	}
	return c.endpoint.backend.Reservations.SetConfirmed(ctx, reservationID, status == "Accepted")
}

func handleCancelReservationResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	status := resultStatus(payload)
	c.endpoint.store.Logs.AppendLog(pc.LogKey, "CancelReservation answered: "+status)

	reservationID, ok := intFromAny(pc.Metadata["reservationId"])
	if !ok || status != "Accepted" || c.endpoint.backend.Reservations == nil {
		return nil
	}
	return c.endpoint.backend.Reservations.SetCancelled(ctx, reservationID)
}

func handleCertificateIdsResult(_ context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	chain, _ := payload["certificateHashDataChain"].([]any)
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("GetInstalledCertificateIds answered with %d entries", len(chain)))
	return nil
}

func handleSendLocalListResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	status := resultStatus(payload)
	c.endpoint.store.Logs.AppendLog(pc.LogKey, "SendLocalList answered: "+status)

	version, ok := intFromAny(pc.Metadata["listVersion"])
	if !ok || status != "Accepted" {
		return nil
	}
	return c.endpoint.backend.Chargers.SetLocalListVersion(ctx, pc.Serial, version)
}

func handleGetLocalListVersionResult(ctx context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	version, ok := intFromAny(payload["listVersion"])
	if !ok {
		return fmt.Errorf("GetLocalListVersion reply has no listVersion")
	}
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("local list version is %d", version))
	return c.endpoint.backend.Chargers.SetLocalListVersion(ctx, pc.Serial, version)
}

func handleCompositeScheduleResult(_ context.Context, c *Conn, pc store.PendingCallInfo, payload map[string]any) error {
	status := resultStatus(payload)
	connectorID, _ := intFromAny(payload["connectorId"])
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("GetCompositeSchedule answered: %s connector=%d", status, connectorID))
	return nil
}

// Error handlers run when the charge point answers with a CALLERROR. They
// mark the owning record failed where one exists; resolution again happens in
// the dispatcher.
type errorHandler func(ctx context.Context, c *Conn, pc store.PendingCallInfo, frame *Frame) error

var errorHandlers = map[string]errorHandler{
	"GetConfiguration":       handleGenericCallError,
	"ChangeConfiguration":    handleGenericCallError,
	"GetLog":                 handleGenericCallError,
	"DataTransfer":           handleGenericCallError,
	"TriggerMessage":         handleGenericCallError,
	"UpdateFirmware":         handleUpdateFirmwareError,
	"ReserveNow":             handleReserveNowError,
	"CancelReservation":      handleGenericCallError,
	"RemoteStartTransaction": handleGenericCallError,
	"RemoteStopTransaction":  handleGenericCallError,
	"Reset":                  handleGenericCallError,
	"ChangeAvailability":     handleGenericCallError,
	"SendLocalList":          handleGenericCallError,
	"GetCompositeSchedule":   handleGenericCallError,
}

func handleGenericCallError(_ context.Context, c *Conn, pc store.PendingCallInfo, frame *Frame) error {
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("%s rejected: %s %s", pc.Action, frame.ErrorCode, frame.ErrorDescription))
	return nil
}

func handleUpdateFirmwareError(ctx context.Context, c *Conn, pc store.PendingCallInfo, frame *Frame) error {
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("UpdateFirmware rejected: %s %s", frame.ErrorCode, frame.ErrorDescription))
	return c.endpoint.backend.Chargers.SetFirmwareStatus(ctx, pc.Serial, "Error")
}

func handleReserveNowError(ctx context.Context, c *Conn, pc store.PendingCallInfo, frame *Frame) error {
	c.endpoint.store.Logs.AppendLog(pc.LogKey,
		fmt.Sprintf("ReserveNow rejected: %s %s", frame.ErrorCode, frame.ErrorDescription))

	reservationID, ok := intFromAny(pc.Metadata["reservationId"])
	if !ok || c.endpoint.backend.Reservations == nil {
		return nil
	}
	return c.endpoint.backend.Reservations.SetConfirmed(ctx, reservationID, false)
}
