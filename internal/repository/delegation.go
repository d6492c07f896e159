package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pixelpets/gasless/internal/model"
)

type DelegationRepository interface {
	FindByAccount(ctx context.Context, address string) (*model.DelegationRecord, error)
	// Upsert writes a freshly prepared record, replacing whatever the account had.
	Upsert(ctx context.Context, params model.UpsertDelegationParams) (*model.DelegationRecord, error)
	MarkStored(ctx context.Context, address string, at time.Time) error
	MarkDeployed(ctx context.Context, address string, bundleID *string, at time.Time) error
	MarkUnregistered(ctx context.Context, address string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DelegationRepository
}

type delegationRepo struct {
	db sqlxDB
}

func NewDelegationRepository(db *sqlx.DB) DelegationRepository {
	return &delegationRepo{db: db}
}

func (r *delegationRepo) WithTx(tx *sqlx.Tx) DelegationRepository {
	return &delegationRepo{db: tx}
}

func (r *delegationRepo) FindByAccount(ctx context.Context, address string) (*model.DelegationRecord, error) {
	var record model.DelegationRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM delegations WHERE account_address = $1
	`, address)
	return HandleNotFound(&record, err)
}

func (r *delegationRepo) Upsert(ctx context.Context, params model.UpsertDelegationParams) (*model.DelegationRecord, error) {
	var record model.DelegationRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO delegations (account_address, target, authorized_keys, state, auth_digest, exec_digest, context, pre_call)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_address) DO UPDATE SET
			target = EXCLUDED.target,
			authorized_keys = EXCLUDED.authorized_keys,
			state = EXCLUDED.state,
			auth_digest = EXCLUDED.auth_digest,
			exec_digest = EXCLUDED.exec_digest,
			context = EXCLUDED.context,
			pre_call = EXCLUDED.pre_call,
			deploy_bundle_id = NULL,
			stored_at = NULL,
			deployed_at = NULL,
			updated_at = NOW()
		RETURNING *
	`, params.AccountAddress, params.Target, params.AuthorizedKeys, model.DelegationOffchainPrepared,
		params.AuthDigest, params.ExecDigest, jsonParam(params.Context), jsonParam(params.PreCall))
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *delegationRepo) MarkStored(ctx context.Context, address string, at time.Time) error {
	return requireAffected(r.db.ExecContext(ctx, `
		UPDATE delegations SET state = $2, stored_at = $3, updated_at = $3
		WHERE account_address = $1 AND state = $4
	`, address, model.DelegationOffchainStored, at, model.DelegationOffchainPrepared))
}

func (r *delegationRepo) MarkDeployed(ctx context.Context, address string, bundleID *string, at time.Time) error {
	return requireAffected(r.db.ExecContext(ctx, `
		UPDATE delegations SET state = $2, deploy_bundle_id = $3, deployed_at = $4, updated_at = $4
		WHERE account_address = $1 AND state = $5
	`, address, model.DelegationOnchainDeployed, bundleID, at, model.DelegationOffchainStored))
}

func (r *delegationRepo) MarkUnregistered(ctx context.Context, address string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delegations SET state = $2, stored_at = NULL, deployed_at = NULL,
			deploy_bundle_id = NULL, updated_at = $3
		WHERE account_address = $1
	`, address, model.DelegationUnregistered, time.Now())
	return err
}

// jsonParam sends raw JSON as text; lib/pq would otherwise encode []byte as bytea.
func jsonParam(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
