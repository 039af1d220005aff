package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TransactionsRepo struct{ db *pgxpool.Pool }

func NewTransactionsRepo(db *pgxpool.Pool) *TransactionsRepo { return &TransactionsRepo{db: db} }

const txCols = `id, charger_id, serial, connector_id, coalesce(id_tag,''), start_time, stop_time, meter_start_wh, meter_stop_wh, reason`

func scanTx(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.ChargerID, &t.Serial, &t.ConnectorID, &t.IDTag, &t.StartTime, &t.StopTime, &t.MeterStart, &t.MeterStop, &t.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// Start inserts a new transaction and returns its server-assigned id.
func (r *TransactionsRepo) Start(ctx context.Context, t models.Transaction) (int, error) {
	row := r.db.QueryRow(ctx, `
		insert into transactions (charger_id, serial, connector_id, id_tag, start_time, meter_start_wh)
		values ($1,$2,$3,$4,$5,$6)
		returning id
	`, t.ChargerID, t.Serial, t.ConnectorID, t.IDTag, t.StartTime, t.MeterStart)

	var id int
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *TransactionsRepo) Get(ctx context.Context, id int) (*models.Transaction, error) {
	return scanTx(r.db.QueryRow(ctx, `select `+txCols+` from transactions where id=$1`, id))
}

func (r *TransactionsRepo) Stop(ctx context.Context, id int, stoppedAt time.Time, meterStop *int64, reason *string) error {
	_, err := r.db.Exec(ctx, `
		update transactions set stop_time=$2, meter_stop_wh=coalesce($3, meter_stop_wh), reason=coalesce($4, reason)
		where id=$1
	`, id, stoppedAt, meterStop, reason)
	return err
}

// UpsertIdentity is the snapshot apply path, keyed on
// (charger, start_time, connector_id). Returns whether a new row was created.
func (r *TransactionsRepo) UpsertIdentity(ctx context.Context, t models.Transaction) (bool, error) {
	var created bool
	err := r.db.QueryRow(ctx, `
		insert into transactions (charger_id, serial, connector_id, id_tag, start_time, stop_time, meter_start_wh, meter_stop_wh, reason)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (serial, start_time, connector_id) do update set
		  id_tag=excluded.id_tag,
		  stop_time=excluded.stop_time,
		  meter_start_wh=excluded.meter_start_wh,
		  meter_stop_wh=excluded.meter_stop_wh,
		  reason=excluded.reason
		returning (xmax = 0)
	`, t.ChargerID, t.Serial, t.ConnectorID, t.IDTag, t.StartTime, t.StopTime, t.MeterStart, t.MeterStop, t.Reason).Scan(&created)
	return created, err
}

func (r *TransactionsRepo) ListBySerial(ctx context.Context, serial string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+txCols+` from transactions where serial=$1
		order by start_time desc
		limit $2
	`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListOpenBySerial returns transactions with no stop time yet.
func (r *TransactionsRepo) ListOpenBySerial(ctx context.Context, serial string) ([]models.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		select `+txCols+` from transactions where serial=$1 and stop_time is null
		order by start_time desc
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
