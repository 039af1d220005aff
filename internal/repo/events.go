package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type EventsRepo struct{ db *pgxpool.Pool }

func NewEventsRepo(db *pgxpool.Pool) *EventsRepo { return &EventsRepo{db: db} }

// InsertRaw captures one inbound protocol frame for audit.
func (r *EventsRepo) InsertRaw(ctx context.Context, serial, action string, ts time.Time, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		insert into protocol_events (serial, action, ts, payload)
		values ($1,$2,$3,$4)
	`, serial, action, ts, payload)
	return err
}
