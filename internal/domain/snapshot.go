package domain

// Field names a tracked per-asset metric. The value doubles as the
// column suffix in the persisted record.
type Field string

const (
	FieldMark            Field = "mark"
	FieldIndex           Field = "index"
	FieldFundingRate     Field = "funding_rate"
	FieldOpenInterest    Field = "open_interest"
	FieldVolume24h       Field = "volume_24h"
	FieldVolatilityIndex Field = "dvol"
	FieldUpperWick       Field = "upper_wick"
	FieldLowerWick       Field = "lower_wick"
	FieldPremiumRate     Field = "premium_rate"
)

// SnapshotFields lists every MarketSnapshot field in column order.
var SnapshotFields = []Field{
	FieldMark,
	FieldIndex,
	FieldFundingRate,
	FieldOpenInterest,
	FieldVolume24h,
	FieldVolatilityIndex,
	FieldUpperWick,
	FieldLowerWick,
	FieldPremiumRate,
}

// MarketSnapshot holds one asset's metrics for one cycle.
// A nil field means the value was not available; it is never coerced to zero.
type MarketSnapshot struct {
	Mark            *float64 // mark price
	Index           *float64 // underlying index price
	FundingRate     *float64 // funding rate (8h or current)
	OpenInterest    *float64 // outstanding contracts
	Volume24h       *float64 // traded volume over the last 24h
	VolatilityIndex *float64 // DVOL-like implied volatility index
	UpperWick       *float64 // high - max(open, close) of the last candle
	LowerWick       *float64 // min(open, close) - low of the last candle
	PremiumRate     *float64 // (mark - index) / index
}

// Get returns the value stored for a field.
func (s MarketSnapshot) Get(f Field) *float64 {
	switch f {
	case FieldMark:
		return s.Mark
	case FieldIndex:
		return s.Index
	case FieldFundingRate:
		return s.FundingRate
	case FieldOpenInterest:
		return s.OpenInterest
	case FieldVolume24h:
		return s.Volume24h
	case FieldVolatilityIndex:
		return s.VolatilityIndex
	case FieldUpperWick:
		return s.UpperWick
	case FieldLowerWick:
		return s.LowerWick
	case FieldPremiumRate:
		return s.PremiumRate
	}
	return nil
}

// Set returns a copy of the snapshot with one field replaced.
func (s MarketSnapshot) Set(f Field, v *float64) MarketSnapshot {
	switch f {
	case FieldMark:
		s.Mark = v
	case FieldIndex:
		s.Index = v
	case FieldFundingRate:
		s.FundingRate = v
	case FieldOpenInterest:
		s.OpenInterest = v
	case FieldVolume24h:
		s.Volume24h = v
	case FieldVolatilityIndex:
		s.VolatilityIndex = v
	case FieldUpperWick:
		s.UpperWick = v
	case FieldLowerWick:
		s.LowerWick = v
	case FieldPremiumRate:
		s.PremiumRate = v
	}
	return s
}

// Values returns the present fields keyed by field name.
func (s MarketSnapshot) Values() map[Field]float64 {
	out := make(map[Field]float64)
	for _, f := range SnapshotFields {
		if v := s.Get(f); v != nil {
			out[f] = *v
		}
	}
	return out
}

// IsEmpty reports whether no field is present.
func (s MarketSnapshot) IsEmpty() bool {
	for _, f := range SnapshotFields {
		if s.Get(f) != nil {
			return false
		}
	}
	return true
}
