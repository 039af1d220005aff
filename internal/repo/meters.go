package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MetersRepo struct{ db *pgxpool.Pool }

func NewMetersRepo(db *pgxpool.Pool) *MetersRepo { return &MetersRepo{db: db} }

func (r *MetersRepo) Insert(ctx context.Context, readings []models.MeterReading) error {
	for _, m := range readings {
		_, err := r.db.Exec(ctx, `
			insert into meter_readings (serial, connector_id, transaction_id, ts, measurand, value, unit, phase)
			values ($1,$2,$3,$4,$5,$6,$7,$8)
		`, m.Serial, m.ConnectorID, m.TransactionID, m.Timestamp, m.Measurand, m.Value, m.Unit, m.Phase)
		if err != nil {
			return err
		}
	}
	return nil
}

// LastEnergyWh returns the most recent Energy.Active.Import.Register reading
// for a transaction, in Wh.
func (r *MetersRepo) LastEnergyWh(ctx context.Context, transactionID int) (int64, bool, error) {
	var val float64
	var unit string
	err := r.db.QueryRow(ctx, `
		select value, coalesce(unit,'Wh') from meter_readings
		where transaction_id=$1 and measurand='Energy.Active.Import.Register'
		order by ts desc limit 1
	`, transactionID).Scan(&val, &unit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if unit == "kWh" {
		val *= 1000
	}
	return int64(val), true, nil
}

func (r *MetersRepo) ListByTransaction(ctx context.Context, transactionID int, limit int) ([]models.MeterReading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `
		select id, serial, connector_id, transaction_id, ts, measurand, value, coalesce(unit,''), coalesce(phase,'')
		from meter_readings where transaction_id=$1
		order by ts desc limit $2
	`, transactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MeterReading
	for rows.Next() {
		var m models.MeterReading
		if err := rows.Scan(&m.ID, &m.Serial, &m.ConnectorID, &m.TransactionID, &m.Timestamp, &m.Measurand, &m.Value, &m.Unit, &m.Phase); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
