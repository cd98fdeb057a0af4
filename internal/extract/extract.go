// Package extract turns raw market-data payloads into a MarketSnapshot.
// Extraction never fails: every field degrades to absent on its own.
package extract

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"deribit-lab/internal/domain"
)

type docKind int

const (
	docTicker docKind = iota
	docBook
)

// source is one key path inside one payload.
type source struct {
	doc  docKind
	path []string
}

// fieldRule lists the sources of a field in priority order.
type fieldRule struct {
	field   domain.Field
	sources []source
}

func ticker(path ...string) source { return source{doc: docTicker, path: path} }
func book(path ...string) source   { return source{doc: docBook, path: path} }

// rules drive Extract. Nested stats paths come before their top-level fallbacks.
var rules = []fieldRule{
	{domain.FieldMark, []source{
		ticker("mark_price"), ticker("mark"), ticker("last_price"), ticker("last"),
		book("mark_price"),
	}},
	{domain.FieldIndex, []source{
		ticker("index_price"), ticker("underlying_price"), ticker("underlying_index"),
	}},
	{domain.FieldFundingRate, []source{
		ticker("funding_8h"), ticker("funding_rate"), ticker("current_funding"),
		book("funding_8h"), book("funding_8h_rate"), book("funding_rate"), book("current_funding"),
	}},
	{domain.FieldOpenInterest, []source{
		book("open_interest"), book("oi"),
		ticker("open_interest"),
	}},
	{domain.FieldVolume24h, []source{
		book("stats", "volume"), book("stats", "volume_usd"),
		book("volume"), book("volume_24h"), book("volume_usd"),
		ticker("stats", "volume"), ticker("stats", "volume_usd"),
	}},
	{domain.FieldVolatilityIndex, []source{
		book("stats", "dvol"), book("dvol"), book("daily_volatility"), book("dv"),
		ticker("stats", "dvol"),
	}},
}

// Extract builds a snapshot from a ticker and a book-summary payload.
// Either payload may be nil. The same input always yields the same snapshot.
func Extract(tickerPayload, bookPayload json.RawMessage) domain.MarketSnapshot {
	docs := map[docKind]map[string]any{
		docTicker: Normalize(tickerPayload),
		docBook:   Normalize(bookPayload),
	}

	var snap domain.MarketSnapshot
	for _, r := range rules {
		snap = snap.Set(r.field, firstPresent(docs, r.sources))
	}
	return snap
}

// firstPresent returns the first source whose value is present and numeric.
func firstPresent(docs map[docKind]map[string]any, sources []source) *float64 {
	for _, src := range sources {
		doc := docs[src.doc]
		if doc == nil {
			continue
		}
		v, ok := lookup(doc, src.path)
		if !ok || v == nil {
			continue
		}
		if f := ToFloat(v); f != nil {
			return f
		}
	}
	return nil
}

func lookup(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Normalize reduces a payload to a single object: an object is used as is,
// a sequence contributes its first element, and a {"book_summary": [...]}
// wrapper is unwrapped. Anything else yields nil.
func Normalize(raw json.RawMessage) map[string]any {
	v := decode(raw)
	for i := 0; i < 3; i++ {
		switch x := v.(type) {
		case []any:
			if len(x) == 0 {
				return nil
			}
			v = x[0]
		case map[string]any:
			if inner, ok := x["book_summary"]; ok {
				if _, isSeq := inner.([]any); isSeq {
					v = inner
					continue
				}
			}
			return x
		default:
			return nil
		}
	}
	return nil
}

// SelectInstrument picks the entry named instrument from a multi-instrument
// payload such as a book summary by currency. It returns nil when no entry matches.
func SelectInstrument(raw json.RawMessage, instrument string) json.RawMessage {
	var entries []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		var wrapper struct {
			BookSummary []json.RawMessage `json:"book_summary"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil || wrapper.BookSummary == nil {
			entries = []json.RawMessage{trimmed}
		} else {
			entries = wrapper.BookSummary
		}
	} else if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil
	}

	for _, e := range entries {
		var head struct {
			InstrumentName string `json:"instrument_name"`
		}
		if json.Unmarshal(e, &head) == nil && strings.EqualFold(head.InstrumentName, instrument) {
			return e
		}
	}
	return nil
}

// ToFloat coerces numbers and numeric strings. Booleans, NaN, Inf and
// anything unparseable are absent.
func ToFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return nil
		}
		f = p
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func decode(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}
