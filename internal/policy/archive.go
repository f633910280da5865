package policy

import (
	"context"
	"encoding/json"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive persists appended policy versions so audits can recover
// the exact document a validation was checked against.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a Postgres-backed policy archive.
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

// SaveVersion appends one policy version. The primary key rejects
// overwrites, preserving the append-only invariant at the storage layer.
func (a *PostgresArchive) SaveVersion(ctx context.Context, p *TenantPolicy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to marshal policy version")
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO stampd.policy_versions (tenant_id, version, document, created_at)
		VALUES ($1, $2, $3, $4)`,
		p.TenantID, p.Version, doc, p.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save policy version")
	}
	return nil
}

// LoadAll returns every archived version grouped by tenant, oldest first.
// The store hydrates from this at startup so version numbering continues
// across restarts.
func (a *PostgresArchive) LoadAll(ctx context.Context) (map[types.ID][]*TenantPolicy, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT document FROM stampd.policy_versions
		ORDER BY tenant_id, version`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query policy versions")
	}
	defer rows.Close()

	out := make(map[types.ID][]*TenantPolicy)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to scan policy version")
		}
		var p TenantPolicy
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, errors.Wrap(err, "failed to decode policy version")
		}
		if err := p.Compile(); err != nil {
			return nil, errors.Wrap(err, "failed to compile archived policy")
		}
		out[p.TenantID] = append(out[p.TenantID], &p)
	}
	return out, rows.Err()
}
