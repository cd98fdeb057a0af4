package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribit-lab/internal/config"
	"deribit-lab/internal/domain"
	"deribit-lab/internal/lock"
	"deribit-lab/internal/observability"
	"deribit-lab/internal/resolver"
	"deribit-lab/internal/storage"
	"deribit-lab/internal/storage/memory"
)

var fixedNow = time.Date(2025, 3, 19, 12, 0, 0, 0, time.UTC)

var errUnavailable = errors.New("upstream unavailable")

// fakeMarket serves canned payloads. Anything not configured fails.
type fakeMarket struct {
	catalogs      map[string][]domain.Instrument // by asset
	catalogErr    map[string]error
	tickers       map[string]string // by instrument
	books         map[string]string // by instrument
	currencyBooks map[string]string // by asset
	indexes       map[string]string // by index name
	vols          map[string]string // by asset
	charts        map[string]string // by instrument
	block         bool              // block every call until ctx is done

	calls atomic.Int32
}

func (m *fakeMarket) serve(ctx context.Context, payloads map[string]string, key string) (json.RawMessage, error) {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s, ok := payloads[key]; ok {
		return json.RawMessage(s), nil
	}
	return nil, fmt.Errorf("%s: %w", key, errUnavailable)
}

func (m *fakeMarket) Instruments(ctx context.Context, currency, _ string) ([]domain.Instrument, error) {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := m.catalogErr[currency]; err != nil {
		return nil, err
	}
	return m.catalogs[currency], nil
}

func (m *fakeMarket) Ticker(ctx context.Context, instrument string) (json.RawMessage, error) {
	return m.serve(ctx, m.tickers, instrument)
}

func (m *fakeMarket) BookSummaryByInstrument(ctx context.Context, instrument string) (json.RawMessage, error) {
	return m.serve(ctx, m.books, instrument)
}

func (m *fakeMarket) BookSummaryByCurrency(ctx context.Context, currency, _ string) (json.RawMessage, error) {
	return m.serve(ctx, m.currencyBooks, currency)
}

func (m *fakeMarket) IndexPrice(ctx context.Context, indexName string) (json.RawMessage, error) {
	return m.serve(ctx, m.indexes, indexName)
}

func (m *fakeMarket) VolatilityIndex(ctx context.Context, currency string, _, _ time.Time, _ string) (json.RawMessage, error) {
	return m.serve(ctx, m.vols, currency)
}

func (m *fakeMarket) ChartData(ctx context.Context, instrument string, _, _ time.Time, _ string) (json.RawMessage, error) {
	return m.serve(ctx, m.charts, instrument)
}

func ms(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}

func btcCatalog() []domain.Instrument {
	return []domain.Instrument{
		{Name: "BTC-29MAR25", Kind: domain.KindFuture, SettlementPeriod: "month", ExpirationTimestamp: ms(fixedNow.Add(10 * 24 * time.Hour))},
		{Name: "BTC-PERPETUAL", Kind: domain.KindFuture, SettlementPeriod: "perpetual"},
	}
}

func testOptions(assets ...string) config.Options {
	o := config.DefaultOptions()
	o.Assets = assets
	o.WindowSizes = map[string][]int{"open_interest": {4}}
	o.DeltaFields = []string{"open_interest"}
	o.HistoryLoadLimit = 10
	o.WicksEnabled = false
	o.CycleTimeout = 5 * time.Second
	return o
}

func newTestOrchestrator(opts config.Options, market MarketData, store storage.CycleStore) *Orchestrator {
	return New(Options{
		Config: opts,
		Market: market,
		Store:  store,
		Clock:  func() time.Time { return fixedNow },
	})
}

func requireValue(t *testing.T, want float64, r *domain.CycleRecord, column string) {
	t.Helper()
	got := r.Get(column)
	require.NotNil(t, got, "%s should be present", column)
	assert.InDelta(t, want, *got, 1e-9, column)
}

func TestRunCycle_PersistsRecord(t *testing.T) {
	market := &fakeMarket{
		catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()},
		tickers: map[string]string{
			"BTC-PERPETUAL": `{"mark_price": 100, "index_price": 99, "funding_8h": 0.0001}`,
			"ETH-PERPETUAL": `{"mark_price": 3000, "index_price": 3000}`,
		},
		books: map[string]string{
			"BTC-PERPETUAL": `[{"instrument_name": "BTC-PERPETUAL", "open_interest": 1000, "volume": 50, "stats": {"dvol": 55}}]`,
		},
	}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC", "ETH"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.NotEmpty(t, result.CycleID)
	assert.Equal(t, 1, store.Len())

	require.Len(t, result.Assets, 2)
	assert.Equal(t, "BTC-PERPETUAL", result.Assets[0].Instrument)
	assert.Equal(t, resolver.StepConventional, result.Assets[0].Step)
	// Empty ETH catalog falls back to the literal name.
	assert.Equal(t, "ETH-PERPETUAL", result.Assets[1].Instrument)
	assert.Equal(t, resolver.StepLiteral, result.Assets[1].Step)
	assert.Empty(t, result.AssetErrors())

	r := result.Record
	assert.Equal(t, fixedNow, r.Timestamp)
	requireValue(t, 100, r, "btc_mark")
	requireValue(t, 99, r, "btc_index")
	requireValue(t, 0.0001, r, "btc_funding_rate")
	requireValue(t, 1000, r, "btc_open_interest")
	requireValue(t, 50, r, "btc_volume_24h")
	requireValue(t, 55, r, "btc_dvol")
	requireValue(t, 1.0/99, r, "btc_premium_rate")
	requireValue(t, 3000, r, "eth_mark")
	requireValue(t, 0, r, "eth_premium_rate")

	// No history: delta and window statistics are NULL but the columns exist.
	for _, col := range []string{"btc_open_interest_delta", "btc_open_interest_ma_4", "btc_open_interest_std_4", "btc_open_interest_z_4", "eth_open_interest"} {
		v, ok := r.Values[col]
		assert.True(t, ok, "column %s missing", col)
		assert.Nil(t, v, col)
	}
}

func TestRunCycle_DerivedStatistics(t *testing.T) {
	store := memory.NewCycleStore()
	ctx := context.Background()

	// Oldest first, so the most recent record holds 100.
	for i, oi := range []float64{110, 95, 105, 100} {
		v := oi
		r := domain.NewCycleRecord(fixedNow.Add(time.Duration(i-4)*time.Minute), map[string]*float64{"btc_open_interest": &v})
		require.NoError(t, store.Append(ctx, r))
	}

	market := &fakeMarket{
		catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()},
		tickers:  map[string]string{"BTC-PERPETUAL": `{"mark_price": 1, "index_price": 1}`},
		books:    map[string]string{"BTC-PERPETUAL": `{"open_interest": 120}`},
	}
	orch := newTestOrchestrator(testOptions("BTC"), market, store)

	result, err := orch.RunCycle(ctx)
	require.NoError(t, err)

	std := math.Sqrt(125.0 / 3)
	r := result.Record
	requireValue(t, 20, r, "btc_open_interest_delta")
	requireValue(t, 102.5, r, "btc_open_interest_ma_4")
	requireValue(t, std, r, "btc_open_interest_std_4")
	requireValue(t, (120-102.5)/std, r, "btc_open_interest_z_4")
	assert.Equal(t, 5, store.Len())
}

func TestRunCycle_AllAssetsFail(t *testing.T) {
	market := &fakeMarket{
		catalogErr: map[string]error{"BTC": errUnavailable, "ETH": errUnavailable},
	}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC", "ETH"), market, store)

	result, err := orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrNoAssetsResolved)
	assert.Nil(t, result.Record)
	assert.Len(t, result.AssetErrors(), 2)
	assert.Equal(t, 0, store.Len(), "nothing may be appended")
}

func TestRunCycle_AllFetchesFail(t *testing.T) {
	// Catalog resolves but every market endpoint fails.
	market := &fakeMarket{catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()}}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Record)
	assert.True(t, result.Assets[0].Resolved)
	assert.ErrorIs(t, result.Assets[0].Err, errUnavailable)
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_LiteralFallbackFetchFailureIsRecoverable(t *testing.T) {
	// Empty catalog: the literal name is used and every fetch against it fails.
	market := &fakeMarket{catalogs: map[string][]domain.Instrument{"BTC": nil}}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	a := result.Assets[0]
	assert.Equal(t, resolver.StepLiteral, a.Step)
	assert.Equal(t, "BTC-PERPETUAL", a.Instrument)
	assert.ErrorIs(t, a.Err, errUnavailable)
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_FetchFailureWithCatalogFailure(t *testing.T) {
	// One asset cannot be resolved, the other resolves but fetches nothing.
	market := &fakeMarket{
		catalogs:   map[string][]domain.Instrument{"BTC": btcCatalog()},
		catalogErr: map[string]error{"ETH": errUnavailable},
	}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC", "ETH"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Len(t, result.AssetErrors(), 2)
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_PartialFailure(t *testing.T) {
	market := &fakeMarket{
		catalogs:   map[string][]domain.Instrument{"BTC": btcCatalog()},
		catalogErr: map[string]error{"ETH": errUnavailable},
		tickers:    map[string]string{"BTC-PERPETUAL": `{"mark_price": 100, "index_price": 100}`},
	}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC", "ETH"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	errs := result.AssetErrors()
	require.Contains(t, errs, "ETH")
	assert.ErrorIs(t, errs["ETH"], errUnavailable)

	requireValue(t, 100, result.Record, "btc_mark")
	v, ok := result.Record.Values["eth_mark"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestRunCycle_EmptyCycleSkipped(t *testing.T) {
	market := &fakeMarket{
		tickers: map[string]string{"BTC-PERPETUAL": `{}`},
		books:   map[string]string{"BTC-PERPETUAL": `{"instrument_name": "BTC-PERPETUAL"}`},
		indexes: map[string]string{"btc_usd": `{}`},
		vols:    map[string]string{"BTC": `{"data": []}`},
	}
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(testOptions("BTC"), market, store)

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Record)
	assert.Equal(t, 0, store.Len())
}

type failingStore struct {
	*memory.CycleStore
	appendErr error
	loadErr   error
}

func (s *failingStore) Append(ctx context.Context, r *domain.CycleRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.CycleStore.Append(ctx, r)
}

func (s *failingStore) LoadRecentHistory(ctx context.Context, limit int) ([]*domain.CycleRecord, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.CycleStore.LoadRecentHistory(ctx, limit)
}

func healthyMarket() *fakeMarket {
	return &fakeMarket{
		catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()},
		tickers:  map[string]string{"BTC-PERPETUAL": `{"mark_price": 100, "index_price": 100}`},
	}
}

func TestRunCycle_PersistenceFailure(t *testing.T) {
	store := &failingStore{CycleStore: memory.NewCycleStore(), appendErr: storage.ErrDuplicateKey}
	orch := newTestOrchestrator(testOptions("BTC"), healthyMarket(), store)

	result, err := orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	assert.NotNil(t, result.Record, "record was built before the append failed")
}

func TestRunCycle_HistoryLoadFailure(t *testing.T) {
	loadErr := errors.New("connection refused")
	store := &failingStore{CycleStore: memory.NewCycleStore(), loadErr: loadErr}
	orch := newTestOrchestrator(testOptions("BTC"), healthyMarket(), store)

	_, err := orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, loadErr)
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_NonMonotonicTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
	}{
		{"equal", 0},
		{"later", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewCycleStore()
			latest := domain.NewCycleRecord(fixedNow.Add(tt.offset), map[string]*float64{})
			require.NoError(t, store.Append(context.Background(), latest))

			orch := newTestOrchestrator(testOptions("BTC"), healthyMarket(), store)

			_, err := orch.RunCycle(context.Background())
			assert.ErrorIs(t, err, ErrNonMonotonicTimestamp)
			assert.Equal(t, 1, store.Len())
		})
	}
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, lock.ErrLocked
}

func TestRunCycle_Locked(t *testing.T) {
	market := healthyMarket()
	store := memory.NewCycleStore()
	orch := New(Options{
		Config: testOptions("BTC"),
		Market: market,
		Store:  store,
		Locker: heldLocker{},
		Clock:  func() time.Time { return fixedNow },
	})

	_, err := orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleLocked)
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, int32(0), market.calls.Load())
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_RecordsOutcomeLabel(t *testing.T) {
	tests := []struct {
		name   string
		market *fakeMarket
		locker lock.Locker
		status string
	}{
		{"persisted", healthyMarket(), nil, statusPersisted},
		{"skipped", &fakeMarket{catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()}}, nil, statusSkipped},
		{"failed", &fakeMarket{catalogErr: map[string]error{"BTC": errUnavailable}}, nil, statusFailed},
		{"locked", healthyMarket(), heldLocker{}, statusLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := observability.DefaultMetrics.CyclesTotal.WithLabelValues(tt.status)
			before := testutil.ToFloat64(counter)

			orch := New(Options{
				Config: testOptions("BTC"),
				Market: tt.market,
				Store:  memory.NewCycleStore(),
				Locker: tt.locker,
				Clock:  func() time.Time { return fixedNow },
			})
			_, _ = orch.RunCycle(context.Background())

			assert.Equal(t, before+1, testutil.ToFloat64(counter))
		})
	}
}

func TestRunCycle_Timeout(t *testing.T) {
	opts := testOptions("BTC")
	opts.CycleTimeout = 50 * time.Millisecond
	store := memory.NewCycleStore()
	orch := newTestOrchestrator(opts, &fakeMarket{block: true}, store)

	_, err := orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleTimeout)
	assert.Equal(t, 0, store.Len())
}

func TestRunCycle_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(testOptions("BTC"), &fakeMarket{block: true}, memory.NewCycleStore())

	_, err := orch.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCycleTimeout)
}

func TestRunCycle_BookFallbackByCurrency(t *testing.T) {
	market := &fakeMarket{
		catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()},
		tickers:  map[string]string{"BTC-PERPETUAL": `{"mark_price": 100, "index_price": 100}`},
		currencyBooks: map[string]string{"BTC": `[
			{"instrument_name": "BTC-29MAR25", "open_interest": 1},
			{"instrument_name": "BTC-PERPETUAL", "open_interest": 777, "volume": 9}
		]`},
	}
	orch := newTestOrchestrator(testOptions("BTC"), market, memory.NewCycleStore())

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	requireValue(t, 777, result.Record, "btc_open_interest")
	requireValue(t, 9, result.Record, "btc_volume_24h")
}

func TestRunCycle_SupplementalEndpoints(t *testing.T) {
	market := &fakeMarket{
		catalogs: map[string][]domain.Instrument{"BTC": btcCatalog()},
		tickers:  map[string]string{"BTC-PERPETUAL": `{"mark_price": 110}`},
		books:    map[string]string{"BTC-PERPETUAL": `{"open_interest": 5}`},
		indexes:  map[string]string{"btc_usd": `{"index_price": 100}`},
		vols:     map[string]string{"BTC": `{"data": [[1700000000000, 50, 52, 49, 51.5]]}`},
		charts: map[string]string{"BTC-PERPETUAL": `{
			"open":  [10, 20],
			"high":  [12, 25],
			"low":   [9, 17],
			"close": [11, 21]
		}`},
	}
	opts := testOptions("BTC")
	opts.WicksEnabled = true
	orch := newTestOrchestrator(opts, market, memory.NewCycleStore())

	result, err := orch.RunCycle(context.Background())
	require.NoError(t, err)

	r := result.Record
	requireValue(t, 100, r, "btc_index")
	requireValue(t, 0.1, r, "btc_premium_rate")
	requireValue(t, 51.5, r, "btc_dvol")
	requireValue(t, 4, r, "btc_upper_wick")
	requireValue(t, 3, r, "btc_lower_wick")
}

func TestWorstCaseTimeout(t *testing.T) {
	o := config.DefaultOptions()
	// 7 calls * (3 attempts * 10s + backoff 1s + 2s) + 30s
	assert.Equal(t, 261*time.Second, worstCase(o))

	o.CycleTimeout = 0
	orch := New(Options{Config: o})
	assert.Equal(t, 261*time.Second, orch.Timeout())

	o.CycleTimeout = time.Minute
	assert.Equal(t, time.Minute, New(Options{Config: o}).Timeout())
}

func TestCandleSpan(t *testing.T) {
	tests := map[string]time.Duration{
		"1":    time.Minute,
		"60":   time.Hour,
		"1D":   24 * time.Hour,
		"1d":   24 * time.Hour,
		"oops": time.Hour,
	}
	for res, want := range tests {
		assert.Equal(t, want, candleSpan(res), res)
	}
}

func TestPreview(t *testing.T) {
	short := json.RawMessage(`{"a":1}`)
	assert.Equal(t, `{"a":1}`, preview(short))

	long := json.RawMessage(strings.Repeat("x", 300))
	assert.Len(t, preview(long), 203)
}
