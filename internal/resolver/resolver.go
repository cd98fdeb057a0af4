// Package resolver picks the instrument to query for an asset from an
// exchange catalog that does not tag perpetual contracts consistently.
package resolver

import (
	"math"
	"strings"
	"time"

	"deribit-lab/internal/domain"
)

// DefaultMinHorizon excludes contracts expiring within 30 days.
const DefaultMinHorizon = 30 * 24 * time.Hour

// settlementBonus dominates any realistic day count.
const settlementBonus int64 = 1_000_000

// Step identifies which fallback produced a resolution.
type Step int

const (
	StepConventional Step = iota + 1 // exact "<ASSET>-PERPETUAL"
	StepPerpetualLike                // best-scored perpetual-like entry
	StepLongestLived                 // longest-lived entry of any kind
	StepLiteral                      // conventional name, not in catalog
)

func (s Step) String() string {
	switch s {
	case StepConventional:
		return "conventional"
	case StepPerpetualLike:
		return "perpetual_like"
	case StepLongestLived:
		return "longest_lived"
	case StepLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// Resolver applies the fallback chain. It is stateless apart from its
// configuration and clock, so Resolve is deterministic for a given catalog.
type Resolver struct {
	minHorizon time.Duration
	now        func() time.Time
}

// Option configures Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver. A non-positive minHorizon disables the horizon filter.
func New(minHorizon time.Duration, opts ...Option) *Resolver {
	r := &Resolver{minHorizon: minHorizon, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the instrument name to query for asset and the step that chose it.
//
//  1. "<ASSET>-PERPETUAL" among perpetual-kind or perpetual-settled entries clearing the horizon;
//  2. the highest-scoring perpetual-like entry clearing the horizon;
//  3. the longest-lived entry of any kind clearing the horizon;
//  4. the literal conventional name.
//
// Ties in steps 2 and 3 go to the earlier catalog entry.
func (r *Resolver) Resolve(asset string, catalog []domain.Instrument) (string, Step) {
	conventional := domain.ConventionalPerpetualName(asset)
	nowMs := r.now().UnixMilli()

	eligible := make([]domain.Instrument, 0, len(catalog))
	for _, ins := range catalog {
		if r.clearsHorizon(ins, nowMs) {
			eligible = append(eligible, ins)
		}
	}

	for _, ins := range eligible {
		if strings.EqualFold(ins.Name, conventional) && (ins.Kind == domain.KindPerpetual || ins.IsPerpetualSettled()) {
			return ins.Name, StepConventional
		}
	}

	if name, ok := bestBy(eligible, isPerpetualLike, func(ins domain.Instrument) int64 {
		score := daysToExpiry(ins, nowMs)
		if ins.IsPerpetualSettled() {
			score += settlementBonus
		}
		return score
	}); ok {
		return name, StepPerpetualLike
	}

	if name, ok := bestBy(eligible, nil, func(ins domain.Instrument) int64 {
		return daysToExpiry(ins, nowMs)
	}); ok {
		return name, StepLongestLived
	}

	return conventional, StepLiteral
}

func (r *Resolver) clearsHorizon(ins domain.Instrument, nowMs int64) bool {
	if ins.ExpirationTimestamp == nil || r.minHorizon <= 0 {
		return true
	}
	return *ins.ExpirationTimestamp-nowMs >= r.minHorizon.Milliseconds()
}

// bestBy returns the first entry with the strictly highest score among those accepted by keep.
func bestBy(entries []domain.Instrument, keep func(domain.Instrument) bool, score func(domain.Instrument) int64) (string, bool) {
	best := ""
	var bestScore int64
	found := false
	for _, ins := range entries {
		if keep != nil && !keep(ins) {
			continue
		}
		s := score(ins)
		if !found || s > bestScore {
			best, bestScore, found = ins.Name, s, true
		}
	}
	return best, found
}

func isPerpetualLike(ins domain.Instrument) bool {
	if ins.Kind == domain.KindPerpetual || ins.IsPerpetualSettled() {
		return true
	}
	// "PERP" also covers "PERPETUAL".
	return strings.Contains(strings.ToUpper(ins.Name), "PERP")
}

// daysToExpiry returns whole days until expiry; non-expiring entries rank farthest.
func daysToExpiry(ins domain.Instrument, nowMs int64) int64 {
	if ins.ExpirationTimestamp == nil {
		return math.MaxInt32
	}
	days := (*ins.ExpirationTimestamp - nowMs) / (24 * time.Hour).Milliseconds()
	if days > math.MaxInt32 {
		return math.MaxInt32
	}
	return days
}
