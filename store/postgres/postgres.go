// Package postgres provides a PostgreSQL store.Store built on database/sql.
//
// Any database/sql driver for PostgreSQL works; the binary registers pgx
// (github.com/jackc/pgx/v5/stdlib). Writes join the transaction carried by
// the context (see uow.SQLContext), which is what makes an outbox insert
// atomic with the business change that produced it.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/uow"
)

const columns = `id, serialized_payload, payload_type, routing_key, status, retried_count,
	created_at, last_action_at, next_retry_after, last_error, concurrency_token, trace_id, headers`

// Store implements store.Store for PostgreSQL.
//
// Required Schema (see CreateTable):
//
//	CREATE TABLE mailbox_outbox (
//	    id                 VARCHAR(400) PRIMARY KEY,
//	    serialized_payload TEXT NOT NULL,
//	    payload_type       VARCHAR(255) NOT NULL,
//	    routing_key        VARCHAR(255) NOT NULL,
//	    status             VARCHAR(20) NOT NULL,
//	    retried_count      INT NOT NULL DEFAULT 0,
//	    created_at         TIMESTAMPTZ NOT NULL,
//	    last_action_at     TIMESTAMPTZ NOT NULL,
//	    next_retry_after   TIMESTAMPTZ,
//	    last_error         TEXT NOT NULL DEFAULT '',
//	    concurrency_token  VARCHAR(36) NOT NULL,
//	    trace_id           VARCHAR(64) NOT NULL DEFAULT '',
//	    headers            JSONB
//	);
//	CREATE INDEX ON mailbox_outbox (status, created_at);
//	CREATE INDEX ON mailbox_outbox (status, last_action_at);
//	CREATE INDEX ON mailbox_outbox (status, next_retry_after);
//	CREATE INDEX ON mailbox_outbox (routing_key);
//
// Example:
//
//	db, _ := sql.Open("pgx", dsn)
//	outboxStore := postgres.New(db, "mailbox_outbox")
//	inboxStore := postgres.New(db, "mailbox_inbox")
type Store struct {
	db    *sql.DB
	table string
}

// New creates a store over table.
func New(db *sql.DB, table string) *Store {
	return &Store{db: db, table: table}
}

// Table returns the table name.
func (s *Store) Table() string { return s.table }

// CreateTable creates the table and its indexes if they do not exist.
func (s *Store) CreateTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                 VARCHAR(%d) PRIMARY KEY,
			serialized_payload TEXT NOT NULL,
			payload_type       VARCHAR(255) NOT NULL,
			routing_key        VARCHAR(255) NOT NULL,
			status             VARCHAR(20) NOT NULL,
			retried_count      INT NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL,
			last_action_at     TIMESTAMPTZ NOT NULL,
			next_retry_after   TIMESTAMPTZ,
			last_error         TEXT NOT NULL DEFAULT '',
			concurrency_token  VARCHAR(36) NOT NULL,
			trace_id           VARCHAR(64) NOT NULL DEFAULT '',
			headers            JSONB
		)`, s.table, message.MaxIDLength),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS headers JSONB`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_created ON %s (status, created_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_action ON %s (status, last_action_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_retry ON %s (status, next_retry_after)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_routing_key ON %s (routing_key)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", s.table, classify(err))
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction carried by ctx, or the pool. A transaction is
// returned locked; release must be called once its rows are consumed.
func (s *Store) q(ctx context.Context) (querier, func(), error) {
	if tx, ok := uow.SQLTx(ctx, s.db); ok {
		release, err := uow.LockSQL(ctx, s.db)
		if err != nil {
			return nil, nil, err
		}
		return tx, release, nil
	}
	return s.db, func() {}, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.table)
	db, release, err := s.q(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer release()
	rec, err := scanRecord(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, classify(err))
	}
	return rec, nil
}

// Insert implements store.Store.
//
// ON CONFLICT DO NOTHING keeps a duplicate id from aborting the
// surrounding transaction.
func (s *Store) Insert(ctx context.Context, rec *message.Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, s.table, columns)

	headers, err := encodeHeaders(rec.Headers)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	db, release, err := s.q(ctx)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	defer release()
	res, err := db.ExecContext(ctx, query,
		rec.ID,
		rec.SerializedPayload,
		rec.PayloadType,
		rec.RoutingKey,
		string(rec.Status),
		rec.RetriedCount,
		rec.CreatedAt,
		rec.LastActionAt,
		nullTime(rec.NextRetryAfter),
		rec.LastError,
		rec.ConcurrencyToken,
		rec.TraceID,
		headers,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, rec *message.Record, expectedToken string) store.Result {
	query := fmt.Sprintf(`
		UPDATE %s
		SET serialized_payload = $3, payload_type = $4, routing_key = $5, status = $6,
		    retried_count = $7, last_action_at = $8, next_retry_after = $9,
		    last_error = $10, concurrency_token = $11, trace_id = $12
		WHERE id = $1 AND concurrency_token = $2
	`, s.table)

	db, release, err := s.q(ctx)
	if err != nil {
		return store.Failed(fmt.Errorf("update %s: %w", rec.ID, err))
	}
	defer release()
	res, err := db.ExecContext(ctx, query,
		rec.ID,
		expectedToken,
		rec.SerializedPayload,
		rec.PayloadType,
		rec.RoutingKey,
		string(rec.Status),
		rec.RetriedCount,
		rec.LastActionAt,
		nullTime(rec.NextRetryAfter),
		rec.LastError,
		rec.ConcurrencyToken,
		rec.TraceID,
	)
	if err != nil {
		return store.Failed(fmt.Errorf("update %s: %w", rec.ID, classify(err)))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Failed(fmt.Errorf("update %s: %w", rec.ID, err))
	}
	if n == 0 {
		return store.Conflict()
	}
	return store.OK()
}

// ListDue implements store.Store.
func (s *Store) ListDue(ctx context.Context, q store.DueQuery) ([]*message.Record, error) {
	args := []any{
		string(message.StatusNew),
		string(message.StatusFailed), q.Now,
		string(message.StatusProcessing), q.StuckBefore,
		limit(q.Limit),
	}
	var after string
	if q.After != nil {
		after = "AND (created_at, id) > ($7, $8)"
		args = append(args, q.After.CreatedAt, q.After.ID)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE (status = $1
		   OR (status = $2 AND (next_retry_after IS NULL OR next_retry_after <= $3))
		   OR (status = $4 AND last_action_at < $5))
		   %s
		ORDER BY created_at, id
		LIMIT $6
	`, columns, s.table, after)

	db, release, err := s.q(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer release()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", classify(err))
	}
	defer rows.Close()

	var recs []*message.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list due: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due: %w", classify(err))
	}
	return recs, nil
}

// HasOlderPending implements store.Store.
func (s *Store) HasOlderPending(ctx context.Context, prefix string, createdAt time.Time, id string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE starts_with(id, $1) AND id <> $2
			  AND status IN ($3, $4, $5)
			  AND (created_at < $6 OR (created_at = $6 AND id < $2))
		)
	`, s.table)

	db, release, err := s.q(ctx)
	if err != nil {
		return false, fmt.Errorf("older pending %s: %w", prefix, err)
	}
	defer release()
	var exists bool
	err = db.QueryRowContext(ctx, query,
		prefix+message.IDSeparator, id,
		string(message.StatusNew), string(message.StatusProcessing), string(message.StatusFailed),
		createdAt,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("older pending %s: %w", prefix, classify(err))
	}
	return exists, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, status message.Status) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.table)
	db, release, err := s.q(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	defer release()
	var n int64
	if err := db.QueryRowContext(ctx, query, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", status, classify(err))
	}
	return n, nil
}

// DeleteOldest implements store.Store.
func (s *Store) DeleteOldest(ctx context.Context, status message.Status, n int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2
		)
	`, s.table, s.table)
	return s.exec(ctx, query, string(status), limit(n))
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(ctx context.Context, status message.Status, before time.Time, n int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE status = $1 AND last_action_at < $2
			ORDER BY last_action_at, id
			LIMIT $3
		)
	`, s.table, s.table)
	return s.exec(ctx, query, string(status), before, limit(n))
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	db, release, err := s.q(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	defer release()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", classify(err))
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*message.Record, error) {
	var (
		rec     message.Record
		status  string
		retry   sql.NullTime
		headers []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.SerializedPayload,
		&rec.PayloadType,
		&rec.RoutingKey,
		&status,
		&rec.RetriedCount,
		&rec.CreatedAt,
		&rec.LastActionAt,
		&retry,
		&rec.LastError,
		&rec.ConcurrencyToken,
		&rec.TraceID,
		&headers,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", rec.ID, err)
		}
	}
	rec.Status = message.Status(status)
	if retry.Valid {
		t := retry.Time
		rec.NextRetryAfter = &t
	}
	return &rec, nil
}

// encodeHeaders stores no headers as NULL.
func encodeHeaders(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// limit maps a non-positive limit to "no limit" (LIMIT ALL accepts NULL).
func limit(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// classify wraps connection level failures with store.ErrNotReady and
// serialization failures with store.ErrVersionConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", store.ErrNotReady, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", store.ErrVersionConflict, err)
		case strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", store.ErrNotReady, err)
		}
	}
	return err
}

var _ store.Store = (*Store)(nil)
