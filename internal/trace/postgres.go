package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/usagelog/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so pricing rules can be read from the same database.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Inserts ignore an existing id so a redelivered queue job stays a no-op.
const postgresInsertRecord = `
INSERT INTO service_usage_logs (` + recordColumns + `
) VALUES (
    $1,
    $2,
    $3,
    $4,
    $5,
    $6,
    $7,
    $8,
    $9,
    $10,
    $11,
    $12::jsonb,
    $13::jsonb,
    $14,
    $15,
    $16,
    $17::jsonb,
    $18::jsonb,
    $19,
    $20
)
ON CONFLICT (id) DO NOTHING`

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	row := normalizeRecord(record)
	args, err := postgresRecordArgs(row)
	if err != nil {
		return fmt.Errorf("write usage log %q: %w", row.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, postgresInsertRecord, args...); err != nil {
		return fmt.Errorf("write usage log %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	rows := make([]*Record, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		rows = append(rows, normalizeRecord(record))
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertRecord)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args, err := postgresRecordArgs(row)
		if err != nil {
			return fmt.Errorf("write usage log %q in batch: %w", row.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("write usage log %q in batch: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresRecordArgs(row *Record) ([]any, error) {
	encoded, err := encodeRecord(row)
	if err != nil {
		return nil, err
	}
	var finishedAt any
	if row.FinishedAt != nil {
		finishedAt = row.FinishedAt.UTC()
	}
	return []any{
		row.ID,
		nullIfEmpty(row.UserID),
		row.Provider,
		row.ServiceType,
		nullIfEmpty(row.ServiceOperation),
		nullIfEmpty(row.Model),
		row.Status,
		nullableInt(row.HTTPStatus),
		row.LatencyMS,
		row.StartedAt.UTC(),
		finishedAt,
		encoded.request,
		encoded.response,
		nullIfEmpty(row.ErrorMessage),
		nullIfEmpty(row.ErrorClass),
		nullableInt(row.ExceptionCode),
		encoded.chunks,
		encoded.extra,
		row.CreatedAt.UTC(),
		row.CreatedAt.UTC(),
	}, nil
}

const postgresSelectColumns = `
id::text,
user_id,
provider,
service_type,
service_operation,
model,
status,
http_status,
latency_ms,
started_at,
finished_at,
request_payload::text,
response_payload::text,
error_message,
error_class,
exception_code,
stream_chunks::text,
extra::text,
created_at`

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresSelectColumns+" FROM service_usage_logs WHERE id = $1 LIMIT 1", id)
	record, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get usage log %q: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM service_usage_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune usage logs before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned usage logs: %w", err)
	}
	return deleted, nil
}

func scanPostgresRecord(scanner rowScanner) (*Record, error) {
	var (
		record     Record
		raw        rawColumns
		finishedAt sql.NullTime
	)
	if err := scanner.Scan(
		&record.ID,
		&raw.userID,
		&record.Provider,
		&record.ServiceType,
		&raw.operation,
		&raw.model,
		&record.Status,
		&raw.httpStatus,
		&raw.latencyMS,
		&record.StartedAt,
		&finishedAt,
		&raw.request,
		&raw.response,
		&raw.errorMessage,
		&raw.errorClass,
		&raw.exceptionCode,
		&raw.chunks,
		&raw.extra,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := raw.apply(&record); err != nil {
		return nil, err
	}
	record.StartedAt = record.StartedAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	if finishedAt.Valid {
		at := finishedAt.Time.UTC()
		record.FinishedAt = &at
	}
	return &record, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if _, err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
