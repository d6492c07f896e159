package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixelpets/gasless/internal/model"
)

type BundleRepository interface {
	Create(ctx context.Context, params model.CreateBundleParams) (*model.Bundle, error)
	FindByID(ctx context.Context, id string) (*model.Bundle, error)
	ListByAccount(ctx context.Context, address string, limit int) ([]model.Bundle, error)
	// ListPending returns pending bundles created before cutoff, oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Bundle, error)
	UpdateStatus(ctx context.Context, id string, params model.UpdateBundleStatusParams) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) BundleRepository
}

type bundleRepo struct {
	db sqlxDB
}

func NewBundleRepository(db *sqlx.DB) BundleRepository {
	return &bundleRepo{db: db}
}

func (r *bundleRepo) WithTx(tx *sqlx.Tx) BundleRepository {
	return &bundleRepo{db: tx}
}

func (r *bundleRepo) Create(ctx context.Context, params model.CreateBundleParams) (*model.Bundle, error) {
	var bundle model.Bundle
	err := r.db.GetContext(ctx, &bundle, `
		INSERT INTO bundles (id, account_address, session_id, signer_role, pre_calls_attached, effect)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.ID, params.AccountAddress, params.SessionID, params.SignerRole, params.PreCallsAttached, params.Effect)
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (r *bundleRepo) FindByID(ctx context.Context, id string) (*model.Bundle, error) {
	var bundle model.Bundle
	err := r.db.GetContext(ctx, &bundle, `
		SELECT * FROM bundles WHERE id = $1
	`, id)
	return HandleNotFound(&bundle, err)
}

func (r *bundleRepo) ListByAccount(ctx context.Context, address string, limit int) ([]model.Bundle, error) {
	var bundles []model.Bundle
	err := r.db.SelectContext(ctx, &bundles, `
		SELECT * FROM bundles
		WHERE account_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *bundleRepo) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Bundle, error) {
	var bundles []model.Bundle
	err := r.db.SelectContext(ctx, &bundles, `
		SELECT * FROM bundles
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.BundleStatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *bundleRepo) UpdateStatus(ctx context.Context, id string, params model.UpdateBundleStatusParams) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bundles SET
			status = $2,
			tx_hash = COALESCE($3, tx_hash),
			gas_used = COALESCE($4, gas_used),
			receipts = $5,
			updated_at = $6
		WHERE id = $1
	`, id, params.Status, params.TxHash, params.GasUsed, params.Receipts, time.Now())
	return err
}
