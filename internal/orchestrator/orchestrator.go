// Package orchestrator drives one collection cycle.
// Flow: resolve instruments → fetch snapshots → load history → compute derived → build record → persist
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deribit-lab/internal/config"
	"deribit-lab/internal/domain"
	"deribit-lab/internal/extract"
	"deribit-lab/internal/lock"
	"deribit-lab/internal/logging"
	"deribit-lab/internal/observability"
	"deribit-lab/internal/resolver"
	"deribit-lab/internal/stats"
	"deribit-lab/internal/storage"
)

// Cycle errors. All of them are fatal for the cycle and nothing is persisted.
var (
	// ErrNoAssetsResolved is returned when no asset catalog could be fetched.
	ErrNoAssetsResolved = errors.New("no asset could be resolved")

	// ErrCycleTimeout is returned when the cycle deadline expires.
	ErrCycleTimeout = errors.New("cycle deadline exceeded")

	// ErrNonMonotonicTimestamp is returned when the new record's timestamp is
	// not strictly after the most recent stored record.
	ErrNonMonotonicTimestamp = errors.New("cycle timestamp not after latest stored record")

	// ErrCycleLocked is returned when another process holds the cycle lock.
	ErrCycleLocked = errors.New("cycle already running elsewhere")
)

// Cycle outcome labels for metrics.
const (
	statusPersisted = "persisted"
	statusSkipped   = "skipped"
	statusFailed    = "failed"
	statusLocked    = "locked"
)

const (
	lockName = "collect-cycle"

	// Calls one asset can make in the worst case: catalog, ticker, book,
	// book by currency, index, volatility, chart.
	callsPerAsset = 7

	// Allowance for history load and append in the derived cycle deadline.
	storeAllowance = 30 * time.Second

	volatilityLookback   = time.Hour
	volatilityResolution = "60"
	wickCandles          = 3
)

// MarketData is the upstream surface used per asset. *deribit.Client implements it.
type MarketData interface {
	Instruments(ctx context.Context, currency, kind string) ([]domain.Instrument, error)
	Ticker(ctx context.Context, instrument string) (json.RawMessage, error)
	BookSummaryByInstrument(ctx context.Context, instrument string) (json.RawMessage, error)
	BookSummaryByCurrency(ctx context.Context, currency, kind string) (json.RawMessage, error)
	IndexPrice(ctx context.Context, indexName string) (json.RawMessage, error)
	VolatilityIndex(ctx context.Context, currency string, start, end time.Time, resolution string) (json.RawMessage, error)
	ChartData(ctx context.Context, instrument string, start, end time.Time, resolution string) (json.RawMessage, error)
}

// Options for creating Orchestrator.
type Options struct {
	Config config.Options
	Market MarketData
	Store  storage.CycleStore

	// Optional
	Locker lock.Locker        // nil disables cross-process locking
	Logger logrus.FieldLogger // nil discards
	Clock  func() time.Time   // nil uses time.Now
}

// Orchestrator runs collection cycles. It holds no state between cycles.
type Orchestrator struct {
	cfg      config.Options
	market   MarketData
	store    storage.CycleStore
	locker   lock.Locker
	logger   logrus.FieldLogger
	now      func() time.Time
	resolver *resolver.Resolver
	engine   *stats.Engine
	timeout  time.Duration
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:    opts.Config,
		market: opts.Market,
		store:  opts.Store,
		locker: opts.Locker,
		logger: opts.Logger,
		now:    opts.Clock,
	}
	if o.locker == nil {
		o.locker = lock.NoopLocker{}
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.resolver = resolver.New(o.cfg.MinHorizon(), resolver.WithClock(o.now))
	o.engine = stats.NewEngine(o.cfg.Rules())
	o.timeout = o.cfg.CycleTimeout
	if o.timeout <= 0 {
		o.timeout = worstCase(o.cfg)
	}
	return o
}

// worstCase derives a cycle deadline from the per-asset worst case.
// Assets run concurrently, so one asset's sequential calls bound the fetch phase.
func worstCase(cfg config.Options) time.Duration {
	retries := cfg.RetryCount
	if retries < 1 {
		retries = 1
	}
	// Linear backoff: backoff * (1 + 2 + ... + retries-1).
	backoff := cfg.Backoff() * time.Duration(retries*(retries-1)/2)
	perCall := time.Duration(retries)*cfg.RequestTimeout() + backoff
	return callsPerAsset*perCall + storeAllowance
}

// Timeout returns the effective cycle deadline.
func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// AssetResult is the outcome of resolving and fetching one asset.
type AssetResult struct {
	Asset      string
	Instrument string
	Step       resolver.Step
	Resolved   bool // instrument catalog was fetched and a name chosen
	Snapshot   domain.MarketSnapshot
	Err        error // non-nil when the asset failed; Snapshot is then empty
}

// CycleResult contains results from one cycle.
type CycleResult struct {
	CycleID  string
	Assets   []AssetResult // configured order
	Record   *domain.CycleRecord
	Skipped  bool // nothing was captured, nothing persisted
	Duration time.Duration
}

// AssetErrors returns the per-asset failures keyed by asset.
func (r *CycleResult) AssetErrors() map[string]error {
	out := make(map[string]error)
	for _, a := range r.Assets {
		if a.Err != nil {
			out[a.Asset] = a.Err
		}
	}
	return out
}

// RunCycle executes one collection cycle.
// Per-asset failures are isolated and show up as absent fields. A cycle in
// which no field was captured is skipped without error. Everything else that
// goes wrong is returned and nothing is persisted.
func (o *Orchestrator) RunCycle(ctx context.Context) (result *CycleResult, err error) {
	start := time.Now()
	result = &CycleResult{CycleID: uuid.NewString()}
	log := o.logger.WithField("cycle_id", result.CycleID)

	status := statusFailed
	defer func() {
		result.Duration = time.Since(start)
		observability.RecordCycle(status, result.Duration.Seconds())
	}()

	release, err := o.locker.Acquire(ctx, lockName)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			status = statusLocked
			return result, fmt.Errorf("%w: %w", ErrCycleLocked, err)
		}
		return result, fmt.Errorf("acquire cycle lock: %w", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			log.WithError(rerr).Warn("Failed to release cycle lock")
		}
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Phase 1+2: resolve and fetch per asset, concurrently
	log.WithField("assets", o.cfg.Assets).Info("Cycle started")
	result.Assets = o.collect(cycleCtx, log)
	if err := o.deadline(ctx, cycleCtx); err != nil {
		return result, err
	}

	failed, resolved, captured := 0, 0, 0
	for _, a := range result.Assets {
		if a.Resolved {
			resolved++
		}
		if a.Err != nil {
			failed++
			continue
		}
		captured += len(a.Snapshot.Values())
	}
	if resolved == 0 {
		log.Error("No asset could be resolved, nothing to persist")
		return result, ErrNoAssetsResolved
	}
	if captured == 0 {
		log.Warn("No fields captured for any asset, skipping cycle")
		result.Skipped = true
		status = statusSkipped
		return result, nil
	}

	// Phase 3: load history
	history, err := o.store.LoadRecentHistory(cycleCtx, o.cfg.HistoryLimit())
	if err != nil {
		if derr := o.deadline(ctx, cycleCtx); derr != nil {
			return result, derr
		}
		return result, fmt.Errorf("load history: %w", err)
	}
	log.WithField("records", len(history)).Debug("History loaded")

	ts := o.now().UTC().Truncate(time.Microsecond)
	if len(history) > 0 && !ts.After(history[0].Timestamp) {
		return result, fmt.Errorf("%w: %s <= %s", ErrNonMonotonicTimestamp,
			ts.Format(time.RFC3339Nano), history[0].Timestamp.Format(time.RFC3339Nano))
	}

	// Phase 4+5: derive statistics and build the record
	result.Record = o.buildRecord(ts, result.Assets, history)

	// Phase 6: persist
	if err := o.store.Append(cycleCtx, result.Record); err != nil {
		if derr := o.deadline(ctx, cycleCtx); derr != nil {
			return result, derr
		}
		return result, fmt.Errorf("persist cycle record: %w", err)
	}

	status = statusPersisted
	log.WithFields(logrus.Fields{
		"timestamp": ts.Format(time.RFC3339Nano),
		"fields":    result.Record.PresentCount(),
		"failed":    failed,
	}).Info("Cycle persisted")
	return result, nil
}

// deadline maps an expired cycle deadline to ErrCycleTimeout and a cancelled
// parent to its context error.
func (o *Orchestrator) deadline(parent, cycleCtx context.Context) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("cycle cancelled: %w", err)
	}
	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCycleTimeout, o.timeout)
	}
	return nil
}

// collect runs one goroutine per asset and waits for all of them.
func (o *Orchestrator) collect(ctx context.Context, log logrus.FieldLogger) []AssetResult {
	results := make([]AssetResult, len(o.cfg.Assets))

	var wg sync.WaitGroup
	for i, asset := range o.cfg.Assets {
		wg.Add(1)
		go func(i int, asset string) {
			defer wg.Done()
			results[i] = o.collectAsset(ctx, asset, log.WithField("asset", asset))
		}(i, asset)
	}
	wg.Wait()

	return results
}

// collectAsset resolves the asset's instrument and builds its snapshot.
func (o *Orchestrator) collectAsset(ctx context.Context, asset string, log logrus.FieldLogger) AssetResult {
	res := AssetResult{Asset: asset}

	catalog, err := o.market.Instruments(ctx, asset, o.cfg.CatalogKind)
	if err != nil {
		res.Err = fmt.Errorf("fetch instrument catalog: %w", err)
		observability.RecordAssetFailure(asset, "resolve")
		log.WithError(err).Error("Instrument resolution failed")
		return res
	}

	res.Instrument, res.Step = o.resolver.Resolve(asset, catalog)
	res.Resolved = true
	observability.RecordResolution(asset, res.Step.String())
	log = log.WithField("instrument", res.Instrument)
	log.WithFields(logrus.Fields{"step": res.Step.String(), "catalog": len(catalog)}).Debug("Instrument resolved")

	payloads, err := o.fetchPayloads(ctx, asset, res.Instrument, log)
	if err != nil {
		res.Err = err
		observability.RecordAssetFailure(asset, "fetch")
		log.WithError(err).Error("Snapshot fetch failed")
		return res
	}

	res.Snapshot = extract.ExtractAll(payloads)
	n := len(res.Snapshot.Values())
	observability.RecordFieldsCaptured(asset, n)
	log.WithField("fields", n).Info("Snapshot captured")
	return res
}

// fetchPayloads gathers every raw payload for one asset. Individual failures
// only leave the corresponding fields absent; the asset fails only when no
// payload at all could be fetched.
func (o *Orchestrator) fetchPayloads(ctx context.Context, asset, instrument string, log logrus.FieldLogger) (extract.Payloads, error) {
	var p extract.Payloads
	var errs []error

	keep := func(dst *json.RawMessage, what string, raw json.RawMessage, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
			log.WithError(err).Warnf("Fetching %s failed", what)
			return
		}
		log.WithField("bytes", len(raw)).Debugf("Fetched %s: %s", what, preview(raw))
		*dst = raw
	}

	raw, err := o.market.Ticker(ctx, instrument)
	keep(&p.Ticker, "ticker", raw, err)

	raw, err = o.market.BookSummaryByInstrument(ctx, instrument)
	if err != nil || extract.Normalize(raw) == nil {
		if err == nil {
			log.Debug("Book summary empty, falling back to currency summary")
		}
		raw, err = o.bookByCurrency(ctx, asset, instrument)
	}
	keep(&p.Book, "book summary", raw, err)

	// Supplemental endpoints are only queried for fields the primary payloads lack.
	partial := extract.Extract(p.Ticker, p.Book)
	now := o.now()

	if partial.Index == nil {
		raw, err = o.market.IndexPrice(ctx, strings.ToLower(asset)+"_usd")
		keep(&p.Index, "index price", raw, err)
	}
	if partial.VolatilityIndex == nil {
		raw, err = o.market.VolatilityIndex(ctx, asset, now.Add(-volatilityLookback), now, volatilityResolution)
		keep(&p.Volatility, "volatility index", raw, err)
	}
	if o.cfg.WicksEnabled {
		res := o.cfg.WickResolution
		raw, err = o.market.ChartData(ctx, instrument, now.Add(-wickCandles*candleSpan(res)), now, res)
		keep(&p.Chart, "chart data", raw, err)
	}

	if p.Ticker == nil && p.Book == nil && p.Index == nil && p.Volatility == nil && p.Chart == nil {
		return p, errors.Join(errs...)
	}
	return p, nil
}

// bookByCurrency fetches every book summary of the currency and picks the instrument.
func (o *Orchestrator) bookByCurrency(ctx context.Context, asset, instrument string) (json.RawMessage, error) {
	kind := o.cfg.CatalogKind
	if kind == "" {
		kind = "future"
	}
	raw, err := o.market.BookSummaryByCurrency(ctx, asset, kind)
	if err != nil {
		return nil, err
	}
	entry := extract.SelectInstrument(raw, instrument)
	if entry == nil {
		return nil, fmt.Errorf("%s not in currency book summary", instrument)
	}
	return entry, nil
}

// buildRecord assembles the flat cycle record. Every configured column is
// present; failed assets and unavailable values are NULL.
func (o *Orchestrator) buildRecord(ts time.Time, assets []AssetResult, history []*domain.CycleRecord) *domain.CycleRecord {
	rules := o.engine.Rules()
	values := make(map[string]*float64)

	for _, a := range assets {
		for _, col := range domain.RecordColumns([]string{a.Asset}, rules) {
			values[col] = nil
		}
		if a.Err != nil {
			continue
		}

		current := make(map[domain.Field]*float64, len(domain.SnapshotFields))
		for _, f := range domain.SnapshotFields {
			v := a.Snapshot.Get(f)
			current[f] = v
			values[domain.Column(a.Asset, f)] = v
		}

		asset := a.Asset
		historyOf := func(f domain.Field) []*float64 {
			col := domain.Column(asset, f)
			out := make([]*float64, len(history))
			for i, r := range history {
				out[i] = r.Get(col)
			}
			return out
		}

		for i, m := range o.engine.ComputeAll(current, historyOf) {
			for suffix, v := range m.Values(rules[i].Delta) {
				values[domain.Column(asset, suffix)] = v
			}
		}
	}

	return domain.NewCycleRecord(ts, values)
}

// candleSpan converts a chart resolution ("1", "60", "1D") into a candle length.
// Numeric resolutions are minutes.
func candleSpan(resolution string) time.Duration {
	if strings.EqualFold(resolution, "1D") {
		return 24 * time.Hour
	}
	if n, err := strconv.Atoi(resolution); err == nil && n > 0 {
		return time.Duration(n) * time.Minute
	}
	return time.Hour
}

// preview shortens a payload for debug logs.
func preview(raw json.RawMessage) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
