package storage

import (
	"context"

	"deribit-lab/internal/domain"
)

// CycleStore provides access to the append-only snapshot table.
type CycleStore interface {
	// LoadRecentHistory returns up to limit records ordered by timestamp DESC
	// (most recent first). An empty table yields an empty slice.
	LoadRecentHistory(ctx context.Context, limit int) ([]*domain.CycleRecord, error)

	// Append adds one record. Returns ErrDuplicateKey if the timestamp exists.
	Append(ctx context.Context, r *domain.CycleRecord) error
}

// SchemaManager is implemented by stores whose value columns must exist
// before a record carrying them can be appended.
type SchemaManager interface {
	// EnsureColumns creates the table when missing and adds any missing
	// nullable numeric column. Existing columns are left untouched.
	EnsureColumns(ctx context.Context, columns []string) error
}
