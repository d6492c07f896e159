package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixelpets/gasless/internal/model"
)

type AccountRepository interface {
	FindByAddress(ctx context.Context, address string) (*model.Account, error)
	FindAll(ctx context.Context, limit, offset int) ([]model.Account, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	UpdateNonceMarker(ctx context.Context, address, marker string) error
	Count(ctx context.Context) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db sqlxDB
}

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// accountColumns joins the delegation state so callers never see a stale copy of it.
const accountColumns = `
	a.address, a.nonce_marker, a.owner_key_ciphertext, a.created_at, a.updated_at,
	COALESCE(d.state, 'unregistered') AS delegation_state
`

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx}
}

func (r *accountRepo) FindByAddress(ctx context.Context, address string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT `+accountColumns+`
		FROM accounts a
		LEFT JOIN delegations d ON d.account_address = a.address
		WHERE a.address = $1
	`, address)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindAll(ctx context.Context, limit, offset int) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT `+accountColumns+`
		FROM accounts a
		LEFT JOIN delegations d ON d.account_address = a.address
		ORDER BY a.created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		INSERT INTO accounts (address, owner_key_ciphertext)
		VALUES ($1, $2)
		RETURNING address, nonce_marker, owner_key_ciphertext, created_at, updated_at,
			'unregistered' AS delegation_state
	`, params.Address, params.OwnerKeyCiphertext)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepo) UpdateNonceMarker(ctx context.Context, address, marker string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET nonce_marker = $2, updated_at = $3
		WHERE address = $1
	`, address, marker, time.Now())
	return err
}

func (r *accountRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM accounts`)
	return count, err
}
