package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"csms/internal/models"
	"csms/internal/store"

	"go.uber.org/zap"
)

type createCommandReq struct {
	Action         string          `json:"action"`
	Serial         string          `json:"serial"`
	ConnectorID    *int            `json:"connectorId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

// CreateAndSendCommand records an operator command and dispatches it to the
// charge point as a CALL, blocking for the reply. Replays of the same
// idempotency key return the stored outcome without re-sending.
func (s *Server) CreateAndSendCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Action == "" || req.Serial == "" || req.IdempotencyKey == "" {
		http.Error(w, "missing action/serial/idempotencyKey", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	existing, err := s.Commands.GetByIdempotency(r.Context(), req.IdempotencyKey)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		writeJSON(w, map[string]any{
			"commandId": existing.CommandID,
			"status":    existing.Status,
			"response":  json.RawMessage(existing.ResponseJSON),
			"error":     existing.Error,
		})
		return
	}

	cmdID, err := s.Commands.Create(r.Context(), models.Command{
		Serial:         req.Serial,
		Action:         req.Action,
		IdempotencyKey: req.IdempotencyKey,
		PayloadJSON:    req.Payload,
		Status:         "Queued",
	})
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		_ = s.Commands.MarkFailed(r.Context(), cmdID, "invalid payload")
		http.Error(w, "payload is not a JSON object", http.StatusBadRequest)
		return
	}

	meta := store.CallMetadata{}
	switch req.Action {
	case "ReserveNow":
		// Reservation rows exist before the station answers; the result
		// handler flips confirmed once the CALLRESULT lands.
		resID, err := s.createReservation(r.Context(), req.Serial, payload)
		if err != nil {
			_ = s.Commands.MarkFailed(r.Context(), cmdID, "reservation create failed")
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		payload["reservationId"] = resID
		meta["reservationId"] = resID
	case "CancelReservation":
		if id, ok := payload["reservationId"]; ok {
			meta["reservationId"] = id
		}
	}

	_ = s.Commands.MarkSent(r.Context(), cmdID)
	res, err := s.Endpoint.SendCallAndWait(req.Serial, connectorOrNil(req.ConnectorID), req.Action, payload, meta)
	if err != nil {
		_ = s.Commands.MarkFailed(r.Context(), cmdID, err.Error())
		s.Logger.Warn("command dispatch failed",
			zap.String("serial", req.Serial), zap.String("action", req.Action), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commandId": cmdID,
			"status":    "Failed",
			"error":     err.Error(),
		})
		return
	}

	if !res.Success {
		_ = s.Commands.MarkFailed(r.Context(), cmdID, res.ErrorCode+": "+res.ErrorDescription)
		writeJSON(w, map[string]any{
			"commandId":        cmdID,
			"status":           "Failed",
			"errorCode":        res.ErrorCode,
			"errorDescription": res.ErrorDescription,
		})
		return
	}

	respBody, _ := json.Marshal(res.Payload)
	_ = s.Commands.MarkAnswered(r.Context(), cmdID, respBody)
	writeJSON(w, map[string]any{
		"commandId": cmdID,
		"status":    "Answered",
		"response":  json.RawMessage(respBody),
	})
}

func (s *Server) createReservation(ctx context.Context, serial string, payload map[string]any) (int, error) {
	res := models.Reservation{Serial: serial, ExpiryDate: time.Now().UTC().Add(time.Hour)}
	if v, ok := payload["connectorId"].(float64); ok {
		res.ConnectorID = int(v)
	}
	if v, ok := payload["idTag"].(string); ok {
		res.IDTag = v
	}
	if v, ok := payload["expiryDate"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			res.ExpiryDate = t.UTC()
		}
	}
	return s.Reservations.Create(ctx, res)
}

func connectorOrNil(id *int) any {
	if id == nil {
		return nil
	}
	return *id
}
