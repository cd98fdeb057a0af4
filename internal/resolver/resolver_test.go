package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"deribit-lab/internal/domain"
)

var fixedNow = time.Date(2025, 3, 19, 8, 0, 0, 0, time.UTC)

func expiresIn(d time.Duration) *int64 {
	ms := fixedNow.Add(d).UnixMilli()
	return &ms
}

func newResolver() *Resolver {
	return New(DefaultMinHorizon, WithClock(func() time.Time { return fixedNow }))
}

func TestResolve_ConventionalPerpetual(t *testing.T) {
	catalog := []domain.Instrument{
		{Name: "BTC-29MAR25", Kind: domain.KindFuture, SettlementPeriod: "month", ExpirationTimestamp: expiresIn(10 * 24 * time.Hour)},
		{Name: "BTC-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
	}

	name, step := newResolver().Resolve("BTC", catalog)
	assert.Equal(t, "BTC-PERPETUAL", name)
	assert.Equal(t, StepConventional, step)
}

func TestResolve_LongestLivedFallback(t *testing.T) {
	catalog := []domain.Instrument{
		{Name: "BTC-29DEC25", Kind: domain.KindFuture, SettlementPeriod: "month", ExpirationTimestamp: expiresIn(200 * 24 * time.Hour)},
	}

	name, step := newResolver().Resolve("BTC", catalog)
	assert.Equal(t, "BTC-29DEC25", name)
	assert.Equal(t, StepLongestLived, step)
}

func TestResolve_LongestLivedPicksFarthestExpiry(t *testing.T) {
	catalog := []domain.Instrument{
		{Name: "ETH-27JUN25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(100 * 24 * time.Hour)},
		{Name: "ETH-26SEP25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(190 * 24 * time.Hour)},
		{Name: "ETH-28MAR25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(9 * 24 * time.Hour)},
	}

	name, _ := newResolver().Resolve("ETH", catalog)
	assert.Equal(t, "ETH-26SEP25", name)
}

func TestResolve_PerpetualLikeScoring(t *testing.T) {
	tests := []struct {
		name    string
		catalog []domain.Instrument
		want    string
	}{
		{
			name: "settlement bonus beats name marker",
			catalog: []domain.Instrument{
				{Name: "SOL-PERP-LEGACY", Kind: domain.KindOther},
				{Name: "SOL_USDC-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
			},
			want: "SOL_USDC-PERPETUAL",
		},
		{
			name: "tie goes to catalog order",
			catalog: []domain.Instrument{
				{Name: "SOL_USDC-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
				{Name: "SOL_USDT-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
			},
			want: "SOL_USDC-PERPETUAL",
		},
		{
			name: "non-expiring outranks expiring",
			catalog: []domain.Instrument{
				{Name: "SOL-PERP-Q", Kind: domain.KindPerpetual, ExpirationTimestamp: expiresIn(400 * 24 * time.Hour)},
				{Name: "SOL-PERP-X", Kind: domain.KindPerpetual},
			},
			want: "SOL-PERP-X",
		},
		{
			name: "conventional name without perpetual tag is scored",
			catalog: []domain.Instrument{
				{Name: "SOL-PERPETUAL", Kind: domain.KindOther, ExpirationTimestamp: expiresIn(60 * 24 * time.Hour)},
				{Name: "SOL_USDC-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
			},
			want: "SOL_USDC-PERPETUAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, step := newResolver().Resolve("SOL", tt.catalog)
			assert.Equal(t, tt.want, name)
			assert.Equal(t, StepPerpetualLike, step)
		})
	}
}

func TestResolve_LiteralFallback(t *testing.T) {
	name, step := newResolver().Resolve("eth", nil)
	assert.Equal(t, "ETH-PERPETUAL", name)
	assert.Equal(t, StepLiteral, step)

	// nothing clears the horizon
	catalog := []domain.Instrument{
		{Name: "ETH-21MAR25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(2 * 24 * time.Hour)},
		{Name: "ETH-PERPETUAL", Kind: domain.KindPerpetual, ExpirationTimestamp: expiresIn(24 * time.Hour)},
	}
	name, step = newResolver().Resolve("ETH", catalog)
	assert.Equal(t, "ETH-PERPETUAL", name)
	assert.Equal(t, StepLiteral, step)
}

func TestResolve_HorizonBoundaryInclusive(t *testing.T) {
	catalog := []domain.Instrument{
		{Name: "BTC-18APR25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(DefaultMinHorizon)},
	}
	name, step := newResolver().Resolve("BTC", catalog)
	assert.Equal(t, "BTC-18APR25", name)
	assert.Equal(t, StepLongestLived, step)
}

func TestResolve_Deterministic(t *testing.T) {
	catalog := []domain.Instrument{
		{Name: "BTC-PERP-A", Kind: domain.KindPerpetual},
		{Name: "BTC-PERP-B", Kind: domain.KindPerpetual},
		{Name: "BTC-26SEP25", Kind: domain.KindFuture, ExpirationTimestamp: expiresIn(190 * 24 * time.Hour)},
	}
	r := newResolver()

	first, _ := r.Resolve("BTC", catalog)
	for i := 0; i < 20; i++ {
		got, _ := r.Resolve("BTC", catalog)
		if got != first {
			t.Fatalf("iteration %d: expected %s, got %s", i, first, got)
		}
	}
	assert.Equal(t, "BTC-PERP-A", first)
}

func TestResolve_HorizonDisabled(t *testing.T) {
	r := New(0, WithClock(func() time.Time { return fixedNow }))
	catalog := []domain.Instrument{
		{Name: "BTC-PERPETUAL", Kind: domain.KindPerpetual, ExpirationTimestamp: expiresIn(time.Hour)},
	}
	name, step := r.Resolve("BTC", catalog)
	assert.Equal(t, "BTC-PERPETUAL", name)
	assert.Equal(t, StepConventional, step)
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "conventional", StepConventional.String())
	assert.Equal(t, "literal", StepLiteral.String())
	assert.Equal(t, "unknown", Step(0).String())
}
