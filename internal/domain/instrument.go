package domain

import "strings"

// InstrumentKind classifies a tradable contract.
type InstrumentKind string

const (
	KindPerpetual InstrumentKind = "perpetual"
	KindFuture    InstrumentKind = "future"
	KindOther     InstrumentKind = "other"
)

// SettlementPerpetual is the settlement period tag carried by perpetual swaps.
const SettlementPerpetual = "perpetual"

// Instrument is a read-only catalog entry returned by the exchange.
// It is fetched fresh every cycle and never persisted.
type Instrument struct {
	Name                string         // e.g. "BTC-PERPETUAL", "BTC-29DEC25"
	Kind                InstrumentKind // perpetual | future | other
	SettlementPeriod    string         // "perpetual", "month", "week", ... (lower case)
	ExpirationTimestamp *int64         // Unix ms, nil = non-expiring
}

// ParseInstrumentKind maps an exchange kind string onto InstrumentKind.
func ParseInstrumentKind(s string) InstrumentKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "perpetual", "perp", "swap":
		return KindPerpetual
	case "future", "futures":
		return KindFuture
	default:
		return KindOther
	}
}

// IsPerpetualSettled reports whether the settlement period is exactly "perpetual".
func (i Instrument) IsPerpetualSettled() bool {
	return i.SettlementPeriod == SettlementPerpetual
}

// ConventionalPerpetualName returns "<ASSET>-PERPETUAL".
func ConventionalPerpetualName(asset string) string {
	return strings.ToUpper(asset) + "-PERPETUAL"
}
