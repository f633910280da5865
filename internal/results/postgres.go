package results

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// PostgresStore keeps results in stampd.timestamp_results.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Save(ctx context.Context, r *Result) error {
	query := `
		INSERT INTO stampd.timestamp_results (
			request_id, tenant_id, provider_id, serial_number,
			policy_oid, gen_time, policy_version, token, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		r.RequestID, r.TenantID, r.ProviderID, r.SerialNumber,
		r.PolicyOID, r.GenTime, r.PolicyVersion, r.Token, r.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save timestamp result")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID types.ID) (*Result, error) {
	query := `
		SELECT request_id, tenant_id, provider_id, serial_number,
			policy_oid, gen_time, policy_version, token, completed_at
		FROM stampd.timestamp_results
		WHERE request_id = $1`

	r := &Result{}
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&r.RequestID, &r.TenantID, &r.ProviderID, &r.SerialNumber,
		&r.PolicyOID, &r.GenTime, &r.PolicyVersion, &r.Token, &r.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("timestamp result", requestID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load timestamp result")
	}
	return r, nil
}
