package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChargersRepo struct{ db *pgxpool.Pool }

func NewChargersRepo(db *pgxpool.Pool) *ChargersRepo { return &ChargersRepo{db: db} }

const chargerCols = `id, serial, connector_id, coalesce(vendor,''), coalesce(model,''), coalesce(firmware_version,''),
	coalesce(secret_hash,''), is_active, requires_rfid, export_transactions, forwarded_to, last_forwarded_at,
	coalesce(forward_error,''), coalesce(firmware_status,''), coalesce(local_list_version,0), config_json,
	last_heartbeat, created_at, updated_at`

func scanCharger(row pgx.Row) (*models.Charger, error) {
	var c models.Charger
	err := row.Scan(&c.ID, &c.Serial, &c.ConnectorID, &c.Vendor, &c.Model, &c.FirmwareVersion,
		&c.SecretHash, &c.IsActive, &c.RequiresRFID, &c.ExportTransactions, &c.ForwardedTo, &c.LastForwardedAt,
		&c.ForwardError, &c.FirmwareStatus, &c.LocalListVersion, &c.ConfigJSON,
		&c.LastHeartbeat, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Get returns the primary record for a serial; when a station has one row
// per connector the lowest connector id wins.
func (r *ChargersRepo) Get(ctx context.Context, serial string) (*models.Charger, error) {
	return scanCharger(r.db.QueryRow(ctx,
		`select `+chargerCols+` from chargers where serial=$1 order by connector_id limit 1`, serial))
}

// GetOrCreate fetches a charger by serial, creating an inactive record the
// first time a new station connects.
func (r *ChargersRepo) GetOrCreate(ctx context.Context, serial string) (*models.Charger, error) {
	c, err := r.Get(ctx, serial)
	if err != nil || c != nil {
		return c, err
	}
	row := r.db.QueryRow(ctx, `
		insert into chargers (serial, is_active)
		values ($1, true)
		on conflict (serial, connector_id) do update set updated_at=now()
		returning `+chargerCols, serial)
	return scanCharger(row)
}

// UpsertIdentity is used by the snapshot apply path, keyed on
// (serial, connector_id). Returns whether a new row was created.
func (r *ChargersRepo) UpsertIdentity(ctx context.Context, c models.Charger) (bool, error) {
	var created bool
	err := r.db.QueryRow(ctx, `
		insert into chargers (serial, connector_id, vendor, model, firmware_version, is_active, last_heartbeat)
		values ($1,coalesce($2,0),$3,$4,$5,$6,$7)
		on conflict (serial, connector_id) do update set
		  vendor=excluded.vendor,
		  model=excluded.model,
		  firmware_version=excluded.firmware_version,
		  is_active=excluded.is_active,
		  last_heartbeat=greatest(chargers.last_heartbeat, excluded.last_heartbeat),
		  updated_at=now()
		returning (xmax = 0)
	`, c.Serial, c.ConnectorID, c.Vendor, c.Model, c.FirmwareVersion, c.IsActive, c.LastHeartbeat).Scan(&created)
	return created, err
}

// Provision writes the operator-managed fields of a charger record, used by
// the seed tool. Keyed on (serial, connector_id); a nil connector lands on
// the aggregate row.
func (r *ChargersRepo) Provision(ctx context.Context, c models.Charger) error {
	_, err := r.db.Exec(ctx, `
		insert into chargers (serial, connector_id, vendor, model, secret_hash, is_active, requires_rfid, export_transactions, forwarded_to)
		values ($1,coalesce($2,0),$3,$4,$5,$6,$7,$8,$9)
		on conflict (serial, connector_id) do update set
		  vendor=excluded.vendor,
		  model=excluded.model,
		  secret_hash=excluded.secret_hash,
		  is_active=excluded.is_active,
		  requires_rfid=excluded.requires_rfid,
		  export_transactions=excluded.export_transactions,
		  forwarded_to=excluded.forwarded_to,
		  updated_at=now()
	`, c.Serial, c.ConnectorID, c.Vendor, c.Model, c.SecretHash, c.IsActive, c.RequiresRFID, c.ExportTransactions, c.ForwardedTo)
	return err
}

func (r *ChargersRepo) UpdateBootInfo(ctx context.Context, serial, vendor, model, firmware string) error {
	_, err := r.db.Exec(ctx, `
		update chargers set vendor=$2, model=$3, firmware_version=$4, updated_at=now()
		where serial=$1
	`, serial, vendor, model, firmware)
	return err
}

func (r *ChargersRepo) TouchHeartbeat(ctx context.Context, serial string, t time.Time) error {
	_, err := r.db.Exec(ctx, `update chargers set last_heartbeat=$2, updated_at=now() where serial=$1`, serial, t)
	return err
}

func (r *ChargersRepo) SetFirmwareStatus(ctx context.Context, serial, status string) error {
	_, err := r.db.Exec(ctx, `update chargers set firmware_status=$2, updated_at=now() where serial=$1`, serial, status)
	return err
}

func (r *ChargersRepo) SetLocalListVersion(ctx context.Context, serial string, version int) error {
	_, err := r.db.Exec(ctx, `update chargers set local_list_version=$2, updated_at=now() where serial=$1`, serial, version)
	return err
}

func (r *ChargersRepo) SaveConfig(ctx context.Context, serial string, configJSON []byte) error {
	_, err := r.db.Exec(ctx, `update chargers set config_json=$2, updated_at=now() where serial=$1`, serial, configJSON)
	return err
}

func (r *ChargersRepo) SetForwardError(ctx context.Context, serial, reason string) error {
	_, err := r.db.Exec(ctx, `update chargers set forward_error=$2, updated_at=now() where serial=$1`, serial, reason)
	return err
}

func (r *ChargersRepo) TouchForwarded(ctx context.Context, serial string, t time.Time) error {
	_, err := r.db.Exec(ctx, `
		update chargers set last_forwarded_at=$2, forward_error='', updated_at=now() where serial=$1
	`, serial, t)
	return err
}

// ListForwardable returns chargers flagged for export with a target node set.
func (r *ChargersRepo) ListForwardable(ctx context.Context) ([]models.Charger, error) {
	rows, err := r.db.Query(ctx, `
		select `+chargerCols+` from chargers
		where export_transactions and forwarded_to is not null
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Charger
	for rows.Next() {
		c, err := scanCharger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *ChargersRepo) List(ctx context.Context) ([]models.Charger, error) {
	rows, err := r.db.Query(ctx, `select `+chargerCols+` from chargers order by serial, connector_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Charger
	for rows.Next() {
		c, err := scanCharger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
