package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deribit-lab/internal/domain"
)

// Public API methods used by the collector.
const (
	MethodInstruments           = "public/get_instruments"
	MethodTicker                = "public/ticker"
	MethodBookSummaryInstrument = "public/get_book_summary_by_instrument"
	MethodBookSummaryCurrency   = "public/get_book_summary_by_currency"
	MethodIndexPrice            = "public/get_index_price"
	MethodVolatilityIndex       = "public/get_volatility_index_data"
	MethodChartData             = "public/get_tradingview_chart_data"
)

// Requester is the retrying request primitive the Client is built on.
type Requester interface {
	Fetch(ctx context.Context, endpoint string, params Params) (json.RawMessage, error)
}

// Client wraps the public endpoints. Market payloads are returned raw so that
// shape normalization stays with the extractor.
type Client struct {
	req Requester
}

// NewClient creates a Client.
func NewClient(req Requester) *Client {
	return &Client{req: req}
}

// Instruments returns the live instrument catalog for a currency.
// kind narrows the catalog ("future", "option", ...); empty means all kinds.
func (c *Client) Instruments(ctx context.Context, currency, kind string) ([]domain.Instrument, error) {
	params := Params{"currency": strings.ToUpper(currency), "expired": false}
	if kind != "" {
		params["kind"] = kind
	}
	raw, err := c.req.Fetch(ctx, MethodInstruments, params)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(raw)
}

// Ticker returns the raw ticker payload of an instrument.
func (c *Client) Ticker(ctx context.Context, instrument string) (json.RawMessage, error) {
	return c.req.Fetch(ctx, MethodTicker, Params{"instrument_name": instrument})
}

// BookSummaryByInstrument returns the raw book summary of an instrument.
func (c *Client) BookSummaryByInstrument(ctx context.Context, instrument string) (json.RawMessage, error) {
	return c.req.Fetch(ctx, MethodBookSummaryInstrument, Params{"instrument_name": instrument})
}

// BookSummaryByCurrency returns the raw book summaries of every instrument of a currency.
func (c *Client) BookSummaryByCurrency(ctx context.Context, currency, kind string) (json.RawMessage, error) {
	params := Params{"currency": strings.ToUpper(currency)}
	if kind != "" {
		params["kind"] = kind
	}
	return c.req.Fetch(ctx, MethodBookSummaryCurrency, params)
}

// IndexPrice returns the raw index price payload, e.g. for "btc_usd".
func (c *Client) IndexPrice(ctx context.Context, indexName string) (json.RawMessage, error) {
	return c.req.Fetch(ctx, MethodIndexPrice, Params{"index_name": strings.ToLower(indexName)})
}

// VolatilityIndex returns the raw DVOL series of a currency over [start, end].
func (c *Client) VolatilityIndex(ctx context.Context, currency string, start, end time.Time, resolution string) (json.RawMessage, error) {
	return c.req.Fetch(ctx, MethodVolatilityIndex, Params{
		"currency":        strings.ToUpper(currency),
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
		"resolution":      resolution,
	})
}

// ChartData returns raw OHLC arrays for an instrument over [start, end].
func (c *Client) ChartData(ctx context.Context, instrument string, start, end time.Time, resolution string) (json.RawMessage, error) {
	return c.req.Fetch(ctx, MethodChartData, Params{
		"instrument_name": instrument,
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
		"resolution":      resolution,
	})
}

type rawInstrument struct {
	InstrumentName      string          `json:"instrument_name"`
	Kind                string          `json:"kind"`
	SettlementPeriod    string          `json:"settlement_period"`
	ExpirationTimestamp json.RawMessage `json:"expiration_timestamp"`
}

// ParseInstruments decodes a catalog payload leniently: an array or a single
// object is accepted, entries without a name are skipped, and an unparseable
// expiration is treated as absent. Catalog order is preserved.
func ParseInstruments(raw json.RawMessage) ([]domain.Instrument, error) {
	var entries []rawInstrument
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null":
		return nil, nil
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode instruments: %w", err)
		}
	default:
		var one rawInstrument
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decode instrument: %w", err)
		}
		entries = []rawInstrument{one}
	}

	out := make([]domain.Instrument, 0, len(entries))
	for _, e := range entries {
		if e.InstrumentName == "" {
			continue
		}
		out = append(out, domain.Instrument{
			Name:                e.InstrumentName,
			Kind:                domain.ParseInstrumentKind(e.Kind),
			SettlementPeriod:    strings.ToLower(strings.TrimSpace(e.SettlementPeriod)),
			ExpirationTimestamp: parseMillis(e.ExpirationTimestamp),
		})
	}
	return out, nil
}

func parseMillis(raw json.RawMessage) *int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}
