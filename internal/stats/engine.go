// Package stats derives rolling-window statistics from the current snapshot
// and the stored history of previous cycles.
package stats

import (
	"math"

	"deribit-lab/internal/domain"
)

// HistoryFunc returns the values of one field across the history window,
// ordered most-recent-first. A nil entry means the record had no value.
type HistoryFunc func(field domain.Field) []*float64

// Engine computes deltas and window statistics according to a fixed rule set.
// Which fields get which windows is supplied by the caller.
type Engine struct {
	rules []domain.DerivedRule
}

// NewEngine creates an Engine for the given rules.
func NewEngine(rules []domain.DerivedRule) *Engine {
	cp := make([]domain.DerivedRule, len(rules))
	copy(cp, rules)
	return &Engine{rules: cp}
}

// Rules returns the engine's rules.
func (e *Engine) Rules() []domain.DerivedRule {
	return e.rules
}

// MaxWindow returns the largest window size across all rules (0 if none).
func (e *Engine) MaxWindow() int {
	max := 0
	for _, r := range e.rules {
		for _, n := range r.Windows {
			if n > max {
				max = n
			}
		}
	}
	return max
}

// Compute derives delta and per-window statistics for a single field.
// history must be ordered most-recent-first.
func (e *Engine) Compute(current *float64, history []*float64, windows []int) domain.DerivedMetrics {
	m := domain.DerivedMetrics{
		Delta:   Delta(current, first(history)),
		Windows: make([]domain.WindowStats, 0, len(windows)),
	}
	for _, n := range windows {
		m.Windows = append(m.Windows, Window(current, history, n))
	}
	return m
}

// ComputeAll applies every rule for one asset.
// Deltas are evaluated first and fed back into current, so a rule may target
// a delta series (e.g. volume_24h_delta) whose history is the persisted delta column.
func (e *Engine) ComputeAll(current map[domain.Field]*float64, history HistoryFunc) []domain.DerivedMetrics {
	values := make(map[domain.Field]*float64, len(current)+len(e.rules))
	for k, v := range current {
		values[k] = v
	}

	deltas := make(map[domain.Field]*float64)
	for _, r := range e.rules {
		if !r.Delta {
			continue
		}
		d := Delta(values[r.Field], first(history(r.Field)))
		deltas[r.Field] = d
		values[domain.DeltaField(r.Field)] = d
	}

	out := make([]domain.DerivedMetrics, 0, len(e.rules))
	for _, r := range e.rules {
		m := domain.DerivedMetrics{Field: r.Field}
		if r.Delta {
			m.Delta = deltas[r.Field]
		}
		if len(r.Windows) > 0 {
			h := history(r.Field)
			for _, n := range r.Windows {
				m.Windows = append(m.Windows, Window(values[r.Field], h, n))
			}
		}
		out = append(out, m)
	}
	return out
}

// Window computes moving average, sample standard deviation and z-score over
// the n most recent records. All three are nil when fewer than n records exist.
// Missing values inside the window are skipped.
func Window(current *float64, history []*float64, n int) domain.WindowStats {
	ws := domain.WindowStats{N: n}
	ws.MovingAverage = MovingAverage(history, n)
	ws.StdDev = StdDev(history, n)
	ws.ZScore = ZScore(current, ws.MovingAverage, ws.StdDev)
	return ws
}

// Delta returns current - prior when both are present. Zero is a valid value.
func Delta(current, prior *float64) *float64 {
	if current == nil || prior == nil {
		return nil
	}
	return finite(*current - *prior)
}

// MovingAverage returns the arithmetic mean of the n most recent values.
func MovingAverage(history []*float64, n int) *float64 {
	vals, ok := window(history, n)
	if !ok || len(vals) == 0 {
		return nil
	}
	return finite(mean(vals))
}

// StdDev returns the sample standard deviation (n-1 denominator) of the n most recent values.
// It is nil for n < 2 or when fewer than two values are present.
func StdDev(history []*float64, n int) *float64 {
	vals, ok := window(history, n)
	if !ok || n < 2 || len(vals) < 2 {
		return nil
	}
	return finite(sampleStddev(vals, mean(vals)))
}

// ZScore returns (current - ma) / sd, nil if any operand is missing or sd is zero.
func ZScore(current, ma, sd *float64) *float64 {
	if current == nil || ma == nil || sd == nil || *sd == 0 {
		return nil
	}
	return finite((*current - *ma) / *sd)
}

// window returns the present values among the first n records; ok is false
// if fewer than n records exist.
func window(history []*float64, n int) ([]float64, bool) {
	if n <= 0 || len(history) < n {
		return nil, false
	}
	vals := make([]float64, 0, n)
	for _, v := range history[:n] {
		if v != nil {
			vals = append(vals, *v)
		}
	}
	return vals, true
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func sampleStddev(vals []float64, mean float64) float64 {
	sumSq := 0.0
	for _, v := range vals {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(vals)-1))
}

func first(history []*float64) *float64 {
	if len(history) == 0 {
		return nil
	}
	return history[0]
}

// finite drops NaN and Inf so they never reach the store.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
