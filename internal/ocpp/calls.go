package ocpp

import (
	"fmt"
	"time"

	"csms/internal/identity"
	"csms/internal/store"

	"github.com/google/uuid"
)

// SendCall issues a CSMS-initiated CALL to a connected charge point and
// returns the message id to wait on. The pending call is registered before
// the frame leaves so a fast reply can never race the tracker.
func (e *Endpoint) SendCall(serial string, connector any, action string, payload any, meta store.CallMetadata) (string, error) {
	sess := e.store.GetConnection(serial, connector)
	if sess == nil {
		return "", fmt.Errorf("charge point %s is not connected", serial)
	}
	conn, ok := sess.(*Conn)
	if !ok {
		return "", fmt.Errorf("charge point %s has no sendable session", serial)
	}

	messageID := uuid.New().String()
	raw, err := EncodeCall(messageID, action, payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s call: %w", action, err)
	}

	connectorID := 0
	if n, ok := intFromAny(connector); ok {
		connectorID = n
	}
	logKey := identity.Key(serial, nil)

	e.store.RegisterPendingCall(&store.PendingCall{
		MessageID:   messageID,
		Action:      action,
		Serial:      serial,
		ConnectorID: connectorID,
		LogKey:      logKey,
		SentAt:      time.Now().UTC(),
		Metadata:    meta,
	})
	e.store.ScheduleCallTimeout(messageID, e.cfg.CallTimeout, action, logKey,
		fmt.Sprintf("%s call %s to %s timed out after %s", action, messageID, serial, e.cfg.CallTimeout))

	if err := conn.send(raw); err != nil {
		e.store.RemovePendingCall(messageID)
		return "", fmt.Errorf("sending %s to %s: %w", action, serial, err)
	}

	e.store.Logs.AppendLog(logKey, fmt.Sprintf("sent %s call %s", action, messageID))
	return messageID, nil
}

// SendCallAndWait issues a CALL and blocks for the charge point's reply, for
// interactive operator actions.
func (e *Endpoint) SendCallAndWait(serial string, connector any, action string, payload any, meta store.CallMetadata) (*store.CallResult, error) {
	messageID, err := e.SendCall(serial, connector, action, payload, meta)
	if err != nil {
		return nil, err
	}
	res := e.store.WaitForPendingCall(messageID, e.cfg.CallWaitTimeout)
	if res == nil {
		return nil, fmt.Errorf("%s to %s: no reply within %s", action, serial, e.cfg.CallWaitTimeout)
	}
	return res, nil
}

// TriggerMessage asks a charge point to send a specific message. On
// acceptance the expected follow-up is registered for correlation.
func (e *Endpoint) TriggerMessage(serial string, requested string, connectorID *int) (string, error) {
	payload := map[string]any{"requestedMessage": requested}
	if connectorID != nil {
		payload["connectorId"] = *connectorID
	}
	meta := store.CallMetadata{"requested": requested}
	if connectorID != nil {
		meta["connectorId"] = *connectorID
	}
	return e.SendCall(serial, connectorIDOrNil(connectorID), "TriggerMessage", payload, meta)
}

// TailLog returns the last n general log lines for a charge point.
func (e *Endpoint) TailLog(serial string, n int) []string {
	return e.store.Logs.TailLog(identity.Key(serial, nil), n)
}

// ConnectedIdentities lists the identity keys with a live websocket session.
func (e *Endpoint) ConnectedIdentities() []string {
	return e.store.ConnectionKeys()
}

func connectorIDOrNil(id *int) any {
	if id == nil {
		return nil
	}
	return *id
}
