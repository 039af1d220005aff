package repo

import (
	"context"

	"csms/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type StateRepo struct{ db *pgxpool.Pool }

func NewStateRepo(db *pgxpool.Pool) *StateRepo { return &StateRepo{db: db} }

func (r *StateRepo) UpsertConnector(ctx context.Context, st models.ConnectorState) error {
	_, err := r.db.Exec(ctx, `
		insert into connector_state (serial, connector_id, status, error_code, updated_at)
		values ($1,$2,$3,$4, now())
		on conflict (serial, connector_id) do update set
		  status=excluded.status,
		  error_code=excluded.error_code,
		  updated_at=now()
	`, st.Serial, st.ConnectorID, st.Status, st.ErrorCode)
	return err
}

func (r *StateRepo) ListConnectors(ctx context.Context, serial string) ([]models.ConnectorState, error) {
	rows, err := r.db.Query(ctx, `
		select serial, connector_id, status, error_code, updated_at
		from connector_state where serial=$1
		order by connector_id asc
	`, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectorState
	for rows.Next() {
		var s models.ConnectorState
		if err := rows.Scan(&s.Serial, &s.ConnectorID, &s.Status, &s.ErrorCode, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
