package storage

import (
	"fmt"
	"regexp"

	"deribit-lab/internal/domain"
)

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is a lower-case SQL identifier that
// needs no quoting in either backend.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// ValidateRecord checks that a record can be written: non-zero timestamp and
// legal column names that do not shadow the timestamp key.
func ValidateRecord(r *domain.CycleRecord) error {
	if r == nil || r.Timestamp.IsZero() {
		return fmt.Errorf("%w: record without timestamp", ErrInvalidInput)
	}
	for col := range r.Values {
		if col == domain.TimestampColumn || !ValidIdentifier(col) {
			return fmt.Errorf("%w: column %q", ErrInvalidInput, col)
		}
	}
	return nil
}
