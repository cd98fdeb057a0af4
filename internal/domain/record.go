package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampColumn is the unique, strictly increasing key of the snapshot table.
const TimestampColumn = "timestamp"

// CycleRecord is one persisted collection cycle: the timestamp key plus one
// nullable numeric column per tracked field per asset.
// Records are built once by the orchestrator and never mutated afterwards.
type CycleRecord struct {
	Timestamp time.Time
	Values    map[string]*float64 // column name -> value, nil = NULL
}

// NewCycleRecord builds a record, copying the value map.
func NewCycleRecord(ts time.Time, values map[string]*float64) *CycleRecord {
	r := &CycleRecord{
		Timestamp: ts,
		Values:    make(map[string]*float64, len(values)),
	}
	for k, v := range values {
		r.Values[k] = copyFloat(v)
	}
	return r
}

// Get returns the value of a column, nil if absent or NULL.
func (r *CycleRecord) Get(column string) *float64 {
	if r == nil {
		return nil
	}
	return copyFloat(r.Values[column])
}

// Columns returns the record's column names sorted lexically.
func (r *CycleRecord) Columns() []string {
	cols := make([]string, 0, len(r.Values))
	for k := range r.Values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// PresentCount returns how many columns hold a non-NULL value.
func (r *CycleRecord) PresentCount() int {
	n := 0
	for _, v := range r.Values {
		if v != nil {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (r *CycleRecord) Clone() *CycleRecord {
	return NewCycleRecord(r.Timestamp, r.Values)
}

// Column returns the record column for an asset field, e.g. ("BTC", "open_interest") -> "btc_open_interest".
func Column(asset string, field Field) string {
	return strings.ToLower(asset) + "_" + string(field)
}

// DeltaField names the delta series derived from a field.
func DeltaField(f Field) Field {
	return f + "_delta"
}

// MovingAverageField names the N-window moving average of a field.
func MovingAverageField(f Field, n int) Field {
	return Field(fmt.Sprintf("%s_ma_%d", f, n))
}

// StdDevField names the N-window standard deviation of a field.
func StdDevField(f Field, n int) Field {
	return Field(fmt.Sprintf("%s_std_%d", f, n))
}

// ZScoreField names the N-window z-score of a field.
func ZScoreField(f Field, n int) Field {
	return Field(fmt.Sprintf("%s_z_%d", f, n))
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// RecordColumns lists every value column produced for the given assets and
// derivation rules, sorted lexically. The timestamp column is not included.
func RecordColumns(assets []string, rules []DerivedRule) []string {
	seen := make(map[string]struct{})
	for _, asset := range assets {
		for _, f := range SnapshotFields {
			seen[Column(asset, f)] = struct{}{}
		}
		for _, rule := range rules {
			for _, f := range rule.Columns() {
				seen[Column(asset, f)] = struct{}{}
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
