package storage

import "errors"

var (
	// ErrDuplicateKey is returned by Append when a record with the same
	// timestamp already exists. Records are never updated.
	ErrDuplicateKey = errors.New("duplicate key: record timestamp already stored")

	// ErrInvalidInput is returned for nil records, zero timestamps, negative
	// limits and names that are not safe SQL identifiers.
	ErrInvalidInput = errors.New("invalid input")
)
