package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deribit-lab/internal/domain"
	"deribit-lab/internal/observability"
	"deribit-lab/internal/storage"
)

// DefaultTable is the snapshot table created by the embedded migrations.
const DefaultTable = "market_snapshots"

// CycleStore implements storage.CycleStore using ClickHouse.
// MergeTree does not enforce uniqueness, so Append checks the timestamp first.
// Concurrent writers are expected to be excluded by the cycle lock.
type CycleStore struct {
	conn  *Conn
	table string
}

// NewCycleStore creates a new CycleStore over table (DefaultTable if empty).
func NewCycleStore(conn *Conn, table string) (*CycleStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if !storage.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: table %q", storage.ErrInvalidInput, table)
	}
	return &CycleStore{conn: conn, table: table}, nil
}

// Compile-time interface checks.
var (
	_ storage.CycleStore    = (*CycleStore)(nil)
	_ storage.SchemaManager = (*CycleStore)(nil)
)

// Append inserts one record. Returns ErrDuplicateKey if the timestamp exists.
func (s *CycleStore) Append(ctx context.Context, r *domain.CycleRecord) (err error) {
	if err := storage.ValidateRecord(r); err != nil {
		return err
	}
	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "append", time.Since(start).Seconds(), err) }()

	exists, err := s.exists(ctx, r.Timestamp)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	cols := r.Columns()
	names := make([]string, 0, len(cols)+1)
	names = append(names, quote(domain.TimestampColumn))
	args := make([]any, 0, len(cols)+1)
	args = append(args, r.Timestamp.UTC())
	for _, col := range cols {
		names = append(names, quote(col))
		args = append(args, r.Values[col])
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", quote(s.table), strings.Join(names, ", ")))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	if err := batch.Append(args...); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// LoadRecentHistory returns up to limit records ordered by timestamp DESC.
func (s *CycleStore) LoadRecentHistory(ctx context.Context, limit int) (records []*domain.CycleRecord, err error) {
	if limit < 0 {
		return nil, storage.ErrInvalidInput
	}
	if limit == 0 {
		return []*domain.CycleRecord{}, nil
	}
	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "load_history", time.Since(start).Seconds(), err) }()

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s DESC LIMIT %d",
		quote(s.table), quote(domain.TimestampColumn), limit)

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanCycleRecords(rows, rows.Columns())
}

// EnsureColumns creates the table if it is missing and adds missing
// Nullable(Float64) columns.
func (s *CycleStore) EnsureColumns(ctx context.Context, columns []string) error {
	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s DateTime64(6, 'UTC')) ENGINE = MergeTree() ORDER BY %s",
		quote(s.table), quote(domain.TimestampColumn), quote(domain.TimestampColumn),
	)
	if err := s.conn.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	for _, col := range columns {
		if col == domain.TimestampColumn || !storage.ValidIdentifier(col) {
			return fmt.Errorf("%w: column %q", storage.ErrInvalidInput, col)
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s Nullable(Float64)", quote(s.table), quote(col))
		if err := s.conn.Exec(ctx, alter); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

// exists checks if a record with the given timestamp exists.
func (s *CycleStore) exists(ctx context.Context, ts time.Time) (bool, error) {
	query := fmt.Sprintf("SELECT count() FROM %s WHERE toUnixTimestamp64Micro(%s) = ?",
		quote(s.table), quote(domain.TimestampColumn))

	var count uint64
	if err := s.conn.QueryRow(ctx, query, ts.UnixMicro()).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// chRows is the subset of driver.Rows used by the scanner.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanCycleRecords scans rows whose columns are the timestamp plus
// Nullable(Float64) values.
func scanCycleRecords(rows chRows, columns []string) ([]*domain.CycleRecord, error) {
	records := []*domain.CycleRecord{}

	for rows.Next() {
		var ts time.Time
		values := make([]*float64, len(columns))
		dest := make([]any, len(columns))
		for i, col := range columns {
			if col == domain.TimestampColumn {
				dest[i] = &ts
			} else {
				dest[i] = &values[i]
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}

		r := &domain.CycleRecord{Timestamp: ts.UTC(), Values: make(map[string]*float64, len(columns))}
		for i, col := range columns {
			if col != domain.TimestampColumn {
				r.Values[col] = values[i]
			}
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return records, nil
}
