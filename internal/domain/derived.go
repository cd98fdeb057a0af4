package domain

// WindowStats holds the rolling statistics of one field over the N most recent records.
// Every value is nil when fewer than N records are available.
type WindowStats struct {
	N             int
	MovingAverage *float64
	StdDev        *float64 // sample standard deviation
	ZScore        *float64 // nil when StdDev is nil or zero
}

// DerivedMetrics holds everything derived for one field in one cycle.
type DerivedMetrics struct {
	Field   Field
	Delta   *float64 // current - most recent historical value
	Windows []WindowStats
}

// DerivedRule configures what is derived for a field: an optional delta and
// any number of window sizes. Rules are configuration, not code.
type DerivedRule struct {
	Field   Field
	Delta   bool
	Windows []int
}

// Columns returns the derived column suffixes produced by the rule.
func (r DerivedRule) Columns() []Field {
	var out []Field
	if r.Delta {
		out = append(out, DeltaField(r.Field))
	}
	for _, n := range r.Windows {
		out = append(out, MovingAverageField(r.Field, n), StdDevField(r.Field, n), ZScoreField(r.Field, n))
	}
	return out
}

// Values flattens the metrics into column suffix -> value.
func (m DerivedMetrics) Values(includeDelta bool) map[Field]*float64 {
	out := make(map[Field]*float64, 1+3*len(m.Windows))
	if includeDelta {
		out[DeltaField(m.Field)] = m.Delta
	}
	for _, w := range m.Windows {
		out[MovingAverageField(m.Field, w.N)] = w.MovingAverage
		out[StdDevField(m.Field, w.N)] = w.StdDev
		out[ZScoreField(m.Field, w.N)] = w.ZScore
	}
	return out
}
