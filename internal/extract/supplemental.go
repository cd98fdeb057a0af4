package extract

import (
	"encoding/json"
	"math"

	"deribit-lab/internal/domain"
)

// Payloads holds every raw response gathered for one asset in one cycle.
// Any of them may be nil.
type Payloads struct {
	Ticker     json.RawMessage
	Book       json.RawMessage
	Index      json.RawMessage // get_index_price
	Volatility json.RawMessage // get_volatility_index_data
	Chart      json.RawMessage // get_tradingview_chart_data
}

// ExtractAll builds the full snapshot: ticker and book fields first, then
// index and volatility fallbacks, candle wicks and the premium rate.
func ExtractAll(p Payloads) domain.MarketSnapshot {
	snap := Extract(p.Ticker, p.Book)

	if snap.Index == nil {
		snap.Index = IndexPrice(p.Index)
	}
	if snap.VolatilityIndex == nil {
		snap.VolatilityIndex = VolatilityIndex(p.Volatility)
	}
	snap.UpperWick, snap.LowerWick = Wicks(p.Chart)
	snap.PremiumRate = PremiumRate(snap.Mark, snap.Index)
	return snap
}

// IndexPrice reads an index price payload ({"index_price": X} or a bare number).
func IndexPrice(raw json.RawMessage) *float64 {
	if doc := Normalize(raw); doc != nil {
		return firstPresent(map[docKind]map[string]any{docTicker: doc}, []source{
			ticker("index_price"), ticker("price"), ticker("value"),
		})
	}
	return ToFloat(decode(raw))
}

// VolatilityIndex reads a DVOL payload. A {"data": [[ts, open, high, low, close], ...]}
// series yields the close of the last row; otherwise volatility/value keys are used.
func VolatilityIndex(raw json.RawMessage) *float64 {
	switch v := decode(raw).(type) {
	case map[string]any:
		if rows, ok := v["data"].([]any); ok {
			if f := lastClose(rows); f != nil {
				return f
			}
		}
		return firstPresent(map[docKind]map[string]any{docTicker: v}, []source{
			ticker("volatility"), ticker("value"), ticker("dvol"), ticker("close"),
		})
	case []any:
		return lastClose(v)
	default:
		return ToFloat(v)
	}
}

func lastClose(rows []any) *float64 {
	for i := len(rows) - 1; i >= 0; i-- {
		switch row := rows[i].(type) {
		case []any:
			if len(row) >= 5 {
				if f := ToFloat(row[4]); f != nil {
					return f
				}
			}
		case map[string]any:
			for _, key := range []string{"close", "value", "volatility"} {
				if f := ToFloat(row[key]); f != nil {
					return f
				}
			}
		}
	}
	return nil
}

// Wicks computes the upper and lower wick of the last candle whose four
// prices are all present. Parallel open/high/low/close (or o/h/l/c) arrays
// and a "ticks" list of candle objects are accepted.
func Wicks(raw json.RawMessage) (upper, lower *float64) {
	doc, ok := decode(raw).(map[string]any)
	if !ok {
		return nil, nil
	}

	if ticks, ok := doc["ticks"].([]any); ok {
		for i := len(ticks) - 1; i >= 0; i-- {
			c, ok := ticks[i].(map[string]any)
			if !ok {
				continue
			}
			if u, l, ok := wickOf(c["open"], c["high"], c["low"], c["close"]); ok {
				return u, l
			}
		}
	}

	for _, keys := range [][4]string{{"open", "high", "low", "close"}, {"o", "h", "l", "c"}} {
		o, _ := doc[keys[0]].([]any)
		h, _ := doc[keys[1]].([]any)
		l, _ := doc[keys[2]].([]any)
		c, _ := doc[keys[3]].([]any)
		n := min(len(o), len(h), len(l), len(c))
		for i := n - 1; i >= 0; i-- {
			if u, lo, ok := wickOf(o[i], h[i], l[i], c[i]); ok {
				return u, lo
			}
		}
	}
	return nil, nil
}

func wickOf(o, h, l, c any) (upper, lower *float64, ok bool) {
	op, hi, lo, cl := ToFloat(o), ToFloat(h), ToFloat(l), ToFloat(c)
	if op == nil || hi == nil || lo == nil || cl == nil {
		return nil, nil, false
	}
	u := *hi - math.Max(*op, *cl)
	d := math.Min(*op, *cl) - *lo
	return &u, &d, true
}

// PremiumRate is (mark - index) / index, absent when either is missing or index is zero.
func PremiumRate(mark, index *float64) *float64 {
	if mark == nil || index == nil || *index == 0 {
		return nil
	}
	r := (*mark - *index) / *index
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}
