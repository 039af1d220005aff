package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReservationsRepo struct{ db *pgxpool.Pool }

func NewReservationsRepo(db *pgxpool.Pool) *ReservationsRepo { return &ReservationsRepo{db: db} }

func (r *ReservationsRepo) Create(ctx context.Context, res models.Reservation) (int, error) {
	row := r.db.QueryRow(ctx, `
		insert into reservations (serial, connector_id, id_tag, expiry_date)
		values ($1,$2,$3,$4)
		returning id
	`, res.Serial, res.ConnectorID, res.IDTag, res.ExpiryDate)

	var id int
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *ReservationsRepo) Get(ctx context.Context, id int) (*models.Reservation, error) {
	row := r.db.QueryRow(ctx, `
		select id, serial, connector_id, coalesce(id_tag,''), expiry_date, confirmed, cancelled
		from reservations where id=$1
	`, id)

	var res models.Reservation
	if err := row.Scan(&res.ID, &res.Serial, &res.ConnectorID, &res.IDTag, &res.ExpiryDate, &res.Confirmed, &res.Cancelled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *ReservationsRepo) SetConfirmed(ctx context.Context, id int, confirmed bool) error {
	_, err := r.db.Exec(ctx, `update reservations set confirmed=$2 where id=$1`, id, confirmed)
	return err
}

func (r *ReservationsRepo) SetCancelled(ctx context.Context, id int) error {
	_, err := r.db.Exec(ctx, `update reservations set cancelled=true where id=$1`, id)
	return err
}
