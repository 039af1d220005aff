package ocpp

import (
	"context"
	"time"

	"csms/internal/models"
)

// The protocol layer talks to persistence through these narrow interfaces;
// the pgx repos satisfy them in production and tests supply in-memory fakes.

type ChargerStore interface {
	GetOrCreate(ctx context.Context, serial string) (*models.Charger, error)
	UpdateBootInfo(ctx context.Context, serial, vendor, model, firmware string) error
	TouchHeartbeat(ctx context.Context, serial string, t time.Time) error
	SetFirmwareStatus(ctx context.Context, serial, status string) error
	SetLocalListVersion(ctx context.Context, serial string, version int) error
	SaveConfig(ctx context.Context, serial string, configJSON []byte) error
}

type TransactionStore interface {
	Start(ctx context.Context, t models.Transaction) (int, error)
	Get(ctx context.Context, id int) (*models.Transaction, error)
	Stop(ctx context.Context, id int, stoppedAt time.Time, meterStop *int64, reason *string) error
}

type MeterStore interface {
	Insert(ctx context.Context, readings []models.MeterReading) error
	LastEnergyWh(ctx context.Context, transactionID int) (int64, bool, error)
}

type AccountStore interface {
	Authorize(ctx context.Context, idTag string) (bool, error)
}

type StateStore interface {
	UpsertConnector(ctx context.Context, st models.ConnectorState) error
}

type EventStore interface {
	InsertRaw(ctx context.Context, serial, action string, ts time.Time, payload []byte) error
}

type ReservationStore interface {
	SetConfirmed(ctx context.Context, id int, confirmed bool) error
	SetCancelled(ctx context.Context, id int) error
}

// Relay mirrors inbound charger traffic to the forwarding service.
type Relay interface {
	Forward(serial string, raw []byte)
}

// Backend bundles every collaborator the endpoint needs.
type Backend struct {
	Chargers     ChargerStore
	Transactions TransactionStore
	Meters       MeterStore
	Accounts     AccountStore
	State        StateStore
	Events       EventStore
	Reservations ReservationStore
}
