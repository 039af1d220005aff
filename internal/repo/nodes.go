package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NodesRepo struct{ db *pgxpool.Pool }

func NewNodesRepo(db *pgxpool.Pool) *NodesRepo { return &NodesRepo{db: db} }

func (r *NodesRepo) Upsert(ctx context.Context, n models.Node) error {
	_, err := r.db.Exec(ctx, `
		insert into nodes (node_id, name, base_urls, public_key_pem)
		values ($1,$2,$3,$4)
		on conflict (node_id) do update set
		  name=excluded.name,
		  base_urls=excluded.base_urls,
		  public_key_pem=excluded.public_key_pem
	`, n.ID, n.Name, n.BaseURLs, n.PublicKeyPEM)
	return err
}

func (r *NodesRepo) Get(ctx context.Context, id string) (*models.Node, error) {
	row := r.db.QueryRow(ctx, `
		select node_id, name, base_urls, coalesce(public_key_pem,''), created_at
		from nodes where node_id=$1
	`, id)

	var n models.Node
	if err := row.Scan(&n.ID, &n.Name, &n.BaseURLs, &n.PublicKeyPEM, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

func (r *NodesRepo) List(ctx context.Context) ([]models.Node, error) {
	rows, err := r.db.Query(ctx, `
		select node_id, name, base_urls, coalesce(public_key_pem,''), created_at
		from nodes order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.BaseURLs, &n.PublicKeyPEM, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
