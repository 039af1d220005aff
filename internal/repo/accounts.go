package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountsRepo struct{ db *pgxpool.Pool }

func NewAccountsRepo(db *pgxpool.Pool) *AccountsRepo { return &AccountsRepo{db: db} }

func (r *AccountsRepo) Upsert(ctx context.Context, a models.Account) error {
	_, err := r.db.Exec(ctx, `
		insert into accounts (id_tag, name, allowed)
		values ($1,$2,$3)
		on conflict (id_tag) do update set
		  name=excluded.name,
		  allowed=excluded.allowed
	`, a.IDTag, a.Name, a.Allowed)
	return err
}

// Authorize reports whether the presented id tag belongs to an account that
// may still authorize. Unknown tags are not allowed.
func (r *AccountsRepo) Authorize(ctx context.Context, idTag string) (bool, error) {
	var allowed bool
	err := r.db.QueryRow(ctx, `select allowed from accounts where id_tag=$1`, idTag).Scan(&allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return allowed, nil
}
