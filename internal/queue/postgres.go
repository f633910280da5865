package queue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// PostgresQueue stores the backlog in stampd.backlog_queue. Claims set
// claimed_until with FOR UPDATE SKIP LOCKED so concurrent drainers never
// double-claim a live lease.
type PostgresQueue struct {
	pool     *pgxpool.Pool
	capacity int
}

// NewPostgresQueue creates a queue with the given per-tenant capacity.
func NewPostgresQueue(pool *pgxpool.Pool, perTenantCapacity int) *PostgresQueue {
	return &PostgresQueue{pool: pool, capacity: perTenantCapacity}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e *Entry) error {
	// Capacity is enforced in the same statement so two racing enqueues
	// cannot both slip under the limit.
	query := `
		INSERT INTO stampd.backlog_queue (
			request_id, tenant_id, digest, hash_algorithm,
			nonce, policy_oid_hint, retry_count, enqueued_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE (SELECT COUNT(*) FROM stampd.backlog_queue WHERE tenant_id = $2) < $9`

	tag, err := q.pool.Exec(ctx, query,
		e.RequestID, e.TenantID, e.Digest, e.HashAlgorithm,
		e.Nonce, e.PolicyOIDHint, e.RetryCount, e.EnqueuedAt,
		q.capacity,
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue request")
	}
	if tag.RowsAffected() == 0 {
		return ErrOverflow
	}
	return nil
}

func (q *PostgresQueue) Tenants(ctx context.Context) ([]types.ID, error) {
	query := `
		SELECT DISTINCT tenant_id
		FROM stampd.backlog_queue
		WHERE claimed_until IS NULL OR claimed_until < NOW()
		ORDER BY tenant_id`

	rows, err := q.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backlog tenants")
	}
	defer rows.Close()

	var tenants []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant")
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

func (q *PostgresQueue) Claim(ctx context.Context, tenantID types.ID, limit int, lease time.Duration) ([]*Entry, error) {
	query := `
		UPDATE stampd.backlog_queue
		SET claimed_until = NOW() + $3
		WHERE request_id IN (
			SELECT request_id FROM stampd.backlog_queue
			WHERE tenant_id = $1
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING request_id, tenant_id, digest, hash_algorithm,
			nonce, policy_oid_hint, retry_count, enqueued_at`

	rows, err := q.pool.Query(ctx, query, tenantID, limit, lease)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim backlog entries")
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (q *PostgresQueue) Ack(ctx context.Context, requestID types.ID) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM stampd.backlog_queue WHERE request_id = $1`, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to ack backlog entry")
	}
	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, requestID types.ID) error {
	query := `
		UPDATE stampd.backlog_queue
		SET claimed_until = NULL, retry_count = retry_count + 1
		WHERE request_id = $1`

	_, err := q.pool.Exec(ctx, query, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to release backlog entry")
	}
	return nil
}

func (q *PostgresQueue) Retire(ctx context.Context, requestID types.ID, reason string) error {
	query := `
		WITH removed AS (
			DELETE FROM stampd.backlog_queue
			WHERE request_id = $1
			RETURNING request_id, tenant_id, digest, hash_algorithm,
				nonce, policy_oid_hint, retry_count, enqueued_at
		)
		INSERT INTO stampd.dead_letters (
			request_id, tenant_id, digest, hash_algorithm,
			nonce, policy_oid_hint, retry_count, enqueued_at, reason
		)
		SELECT request_id, tenant_id, digest, hash_algorithm,
			nonce, policy_oid_hint, retry_count, enqueued_at, $2
		FROM removed`

	_, err := q.pool.Exec(ctx, query, requestID, reason)
	if err != nil {
		return errors.Wrap(err, "failed to retire backlog entry")
	}
	return nil
}

func (q *PostgresQueue) ExpireRetention(ctx context.Context, maxAge time.Duration) ([]*Entry, error) {
	query := `
		WITH expired AS (
			DELETE FROM stampd.backlog_queue
			WHERE enqueued_at < NOW() - $1
			RETURNING request_id, tenant_id, digest, hash_algorithm,
				nonce, policy_oid_hint, retry_count, enqueued_at
		), retired AS (
			INSERT INTO stampd.dead_letters (
				request_id, tenant_id, digest, hash_algorithm,
				nonce, policy_oid_hint, retry_count, enqueued_at, reason
			)
			SELECT request_id, tenant_id, digest, hash_algorithm,
				nonce, policy_oid_hint, retry_count, enqueued_at, 'retention exceeded'
			FROM expired
		)
		SELECT request_id, tenant_id, digest, hash_algorithm,
			nonce, policy_oid_hint, retry_count, enqueued_at
		FROM expired`

	rows, err := q.pool.Query(ctx, query, maxAge)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expire backlog retention")
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (q *PostgresQueue) Depth(ctx context.Context) (map[types.ID]int, int, error) {
	rows, err := q.pool.Query(ctx, `SELECT tenant_id, COUNT(*) FROM stampd.backlog_queue GROUP BY tenant_id`)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read backlog depth")
	}
	defer rows.Close()

	depths := make(map[types.ID]int)
	total := 0
	for rows.Next() {
		var id types.ID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan backlog depth")
		}
		depths[id] = n
		total += n
	}
	return depths, total, rows.Err()
}

func (q *PostgresQueue) Pending(ctx context.Context, requestID types.ID) (bool, error) {
	var exists bool
	err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stampd.backlog_queue WHERE request_id = $1)`,
		requestID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up backlog entry")
	}
	return exists, nil
}

func (q *PostgresQueue) DeadLettered(ctx context.Context, requestID types.ID) (string, bool, error) {
	var reason string
	err := q.pool.QueryRow(ctx,
		`SELECT reason FROM stampd.dead_letters WHERE request_id = $1`,
		requestID,
	).Scan(&reason)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to look up dead letter")
	}
	return reason, true, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		err := rows.Scan(
			&e.RequestID, &e.TenantID, &e.Digest, &e.HashAlgorithm,
			&e.Nonce, &e.PolicyOIDHint, &e.RetryCount, &e.EnqueuedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan backlog entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
