package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/usagelog/migrations"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly
// as text.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid SQLITE_BUSY
	// contention when callers invoke WriteRecord/WriteBatch concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
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

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so pricing rules can be read from the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteInsertRecord = `
INSERT INTO service_usage_logs (` + recordColumns + `
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeRecord(record)
	args, err := sqliteRecordArgs(row)
	if err != nil {
		return fmt.Errorf("write usage log %q: %w", row.ID, err)
	}
	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteInsertRecord, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write usage log %q: %w", row.ID, err)
	}

	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertRecord)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row := normalizeRecord(record)
			args, err := sqliteRecordArgs(row)
			if err != nil {
				return fmt.Errorf("write usage log %q in batch: %w", row.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("write usage log %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func sqliteRecordArgs(row *Record) ([]any, error) {
	encoded, err := encodeRecord(row)
	if err != nil {
		return nil, err
	}
	var finishedAt any
	if row.FinishedAt != nil {
		finishedAt = row.FinishedAt.Format(sqliteTimeLayout)
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
		row.StartedAt.Format(sqliteTimeLayout),
		finishedAt,
		encoded.request,
		encoded.response,
		nullIfEmpty(row.ErrorMessage),
		nullIfEmpty(row.ErrorClass),
		nullableInt(row.ExceptionCode),
		encoded.chunks,
		encoded.extra,
		row.CreatedAt.Format(sqliteTimeLayout),
		row.CreatedAt.Format(sqliteTimeLayout),
	}, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued records are not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteSelectColumns+" FROM service_usage_logs WHERE id = ? LIMIT 1", id)
	record, err := scanSQLiteRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get usage log %q: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retrySQLiteBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM service_usage_logs WHERE created_at < ?`, cutoff.UTC().Format(sqliteTimeLayout))
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune usage logs before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	return deleted, nil
}

const sqliteSelectColumns = `
id,
user_id,
provider,
service_type,
service_operation,
model,
status,
http_status,
latency_ms,
CAST(started_at AS TEXT),
CAST(finished_at AS TEXT),
request_payload,
response_payload,
error_message,
error_class,
exception_code,
stream_chunks,
extra,
CAST(created_at AS TEXT)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(scanner rowScanner) (*Record, error) {
	var (
		record         Record
		raw            rawColumns
		startedAtText  sql.NullString
		finishedAtText sql.NullString
		createdAtText  sql.NullString
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
		&startedAtText,
		&finishedAtText,
		&raw.request,
		&raw.response,
		&raw.errorMessage,
		&raw.errorClass,
		&raw.exceptionCode,
		&raw.chunks,
		&raw.extra,
		&createdAtText,
	); err != nil {
		return nil, err
	}
	if err := raw.apply(&record); err != nil {
		return nil, err
	}

	var err error
	if record.StartedAt, err = parseSQLiteTimestamp(startedAtText.String); err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedAtText.String, err)
	}
	if finishedAtText.Valid && finishedAtText.String != "" {
		finishedAt, err := parseSQLiteTimestamp(finishedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at %q: %w", finishedAtText.String, err)
		}
		record.FinishedAt = &finishedAt
	}
	if record.CreatedAt, err = parseSQLiteTimestamp(createdAtText.String); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
	}
	return &record, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if _, err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func nullIfEmpty(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}
