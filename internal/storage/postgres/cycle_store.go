package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"deribit-lab/internal/domain"
	"deribit-lab/internal/observability"
	"deribit-lab/internal/storage"
)

// DefaultTable is the snapshot table created by the embedded migrations.
const DefaultTable = "market_snapshots"

// surrogate key column, not part of a record
const idColumn = "id"

// CycleStore implements storage.CycleStore using PostgreSQL.
// Every value column is DOUBLE PRECISION and nullable.
type CycleStore struct {
	pool  *Pool
	table string
}

// NewCycleStore creates a new CycleStore over table (DefaultTable if empty).
func NewCycleStore(pool *Pool, table string) (*CycleStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if !storage.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: table %q", storage.ErrInvalidInput, table)
	}
	return &CycleStore{pool: pool, table: table}, nil
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
	defer func() { observability.RecordDBQuery("postgres", "append", time.Since(start).Seconds(), err) }()

	cols := r.Columns()
	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)

	names = append(names, pgx.Identifier{domain.TimestampColumn}.Sanitize())
	placeholders = append(placeholders, "$1")
	args = append(args, r.Timestamp.UTC())

	for i, col := range cols {
		names = append(names, pgx.Identifier{col}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, r.Values[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{s.table}.Sanitize(),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert snapshot: %w", err)
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
	defer func() { observability.RecordDBQuery("postgres", "load_history", time.Since(start).Seconds(), err) }()

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s DESC LIMIT $1",
		pgx.Identifier{s.table}.Sanitize(),
		pgx.Identifier{domain.TimestampColumn}.Sanitize(),
	)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanCycleRecords(rows)
}

// EnsureColumns creates the table if it is missing and adds missing
// DOUBLE PRECISION columns.
func (s *CycleStore) EnsureColumns(ctx context.Context, columns []string) error {
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s BIGSERIAL PRIMARY KEY, %s TIMESTAMPTZ NOT NULL UNIQUE)",
		pgx.Identifier{s.table}.Sanitize(),
		pgx.Identifier{idColumn}.Sanitize(),
		pgx.Identifier{domain.TimestampColumn}.Sanitize(),
	)
	if _, err := s.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	for _, col := range columns {
		if col == domain.TimestampColumn || col == idColumn || !storage.ValidIdentifier(col) {
			return fmt.Errorf("%w: column %q", storage.ErrInvalidInput, col)
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE PRECISION",
			pgx.Identifier{s.table}.Sanitize(),
			pgx.Identifier{col}.Sanitize(),
		)
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

// scanCycleRecords reads rows of unknown width by column name.
func scanCycleRecords(rows pgx.Rows) ([]*domain.CycleRecord, error) {
	fields := rows.FieldDescriptions()
	var records []*domain.CycleRecord

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}

		r := &domain.CycleRecord{Values: make(map[string]*float64, len(fields))}
		for i, fd := range fields {
			name := fd.Name
			switch name {
			case idColumn:
				continue
			case domain.TimestampColumn:
				ts, ok := vals[i].(time.Time)
				if !ok {
					return nil, fmt.Errorf("scan snapshot: unexpected timestamp type %T", vals[i])
				}
				r.Timestamp = ts.UTC()
			default:
				r.Values[name] = toFloat(vals[i])
			}
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	if records == nil {
		records = []*domain.CycleRecord{}
	}
	return records, nil
}

// toFloat converts a decoded column value; NULL and non-numeric values are nil.
func toFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case pgtype.Numeric:
		if !x.Valid || x.NaN {
			return nil
		}
		fv, err := x.Float64Value()
		if err != nil || !fv.Valid {
			return nil
		}
		f = fv.Float64
	default:
		return nil
	}
	return &f
}
