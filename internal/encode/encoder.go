// Package encode provides deterministic label encoding of categorical
// columns. Encoders are fitted once, on the train partition only, then
// applied frozen to every later partition and to inference payloads.
package encode

import (
	"fmt"
	"log"
	"sort"

	"github.com/logiflow/driftwatch/internal/dataset"
)

// Unknown is the category substituted for missing values at fit time. When it
// was observed during fit, its code doubles as the fallback for categories
// first seen at transform time.
const Unknown = "Unknown"

// FallbackCode is the reserved sentinel returned for an unseen category when
// the fitted column never observed Unknown.
const FallbackCode = -1

// Outcome classifies a single encode lookup, so call sites see fallbacks
// explicitly instead of recovering them from errors.
type Outcome int

const (
	// Encoded means the raw value was observed during fit.
	Encoded Outcome = iota
	// FallbackUnknown means the value was missing or unseen and mapped to
	// the fit-time Unknown code.
	FallbackUnknown
	// FallbackSentinel means the value was unseen and the column has no
	// Unknown code; the reserved sentinel was used.
	FallbackSentinel
)

// columnEncoder is the frozen state for one categorical column.
type columnEncoder struct {
	Codes   map[string]int `json:"codes"`
	Classes []string       `json:"classes"` // index = code
}

// Encoder maps raw categorical values to integer codes, keyed by column.
type Encoder struct {
	Columns map[string]columnEncoder `json:"columns"`
}

// Fit builds encoder state from the given partition, scanning only the listed
// categorical columns. Missing values are treated as the literal category
// Unknown. Codes are assigned by lexical order of the distinct observed
// values, so the mapping is deterministic for a given train partition.
func Fit(p *dataset.Partition, columns []string) (*Encoder, error) {
	enc := &Encoder{Columns: make(map[string]columnEncoder, len(columns))}
	for _, col := range columns {
		seen := make(map[string]bool)
		found := false
		for _, rec := range p.Records {
			v, ok := rec.Categorical[col]
			if !ok {
				continue
			}
			found = true
			if v == "" {
				v = Unknown
			}
			seen[v] = true
		}
		if !found {
			return nil, fmt.Errorf("fit: column %q not present in partition %s", col, p.Name)
		}
		classes := make([]string, 0, len(seen))
		for v := range seen {
			classes = append(classes, v)
		}
		sort.Strings(classes)
		codes := make(map[string]int, len(classes))
		for i, v := range classes {
			codes[v] = i
		}
		enc.Columns[col] = columnEncoder{Codes: codes, Classes: classes}
	}
	return enc, nil
}

// Encode maps one raw value of one column to its integer code. Unseen values
// never fail: they fall back to the Unknown code when the column observed
// Unknown during fit, else to the reserved sentinel.
func (e *Encoder) Encode(column, raw string) (int, Outcome) {
	ce, ok := e.Columns[column]
	if !ok {
		return FallbackCode, FallbackSentinel
	}
	if raw == "" {
		raw = Unknown
	}
	if code, ok := ce.Codes[raw]; ok {
		if raw == Unknown {
			return code, FallbackUnknown
		}
		return code, Encoded
	}
	if code, ok := ce.Codes[Unknown]; ok {
		return code, FallbackUnknown
	}
	return FallbackCode, FallbackSentinel
}

// Decode returns the raw category for a code seen during fit.
func (e *Encoder) Decode(column string, code int) (string, bool) {
	ce, ok := e.Columns[column]
	if !ok || code < 0 || code >= len(ce.Classes) {
		return "", false
	}
	return ce.Classes[code], true
}

// ColumnNames returns the fitted columns in lexical order.
func (e *Encoder) ColumnNames() []string {
	out := make([]string, 0, len(e.Columns))
	for col := range e.Columns {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// TransformStats summarizes the observable side effects of a transform.
type TransformStats struct {
	Rows             int
	FallbackUnknown  map[string]int // column -> count
	FallbackSentinel map[string]int // column -> count
}

// Fallbacks returns the total fallback count across columns.
func (s TransformStats) Fallbacks() int {
	n := 0
	for _, c := range s.FallbackUnknown {
		n += c
	}
	for _, c := range s.FallbackSentinel {
		n += c
	}
	return n
}

// Transform applies the frozen mapping to a partition. Fitted categorical
// columns move into the numeric schema under the same name, holding the
// integer code; every fallback is counted in the returned stats and logged
// once per column. Transform never fails on unseen categories, since
// production inference data will contain novel values.
func (e *Encoder) Transform(p *dataset.Partition) (*dataset.Partition, TransformStats) {
	stats := TransformStats{
		Rows:             len(p.Records),
		FallbackUnknown:  make(map[string]int),
		FallbackSentinel: make(map[string]int),
	}

	out := p.Clone()
	fitted := e.ColumnNames()

	for i := range out.Records {
		rec := &out.Records[i]
		if rec.Numeric == nil {
			rec.Numeric = make(map[string]float64, len(fitted))
		}
		for _, col := range fitted {
			raw, ok := rec.Categorical[col]
			if !ok {
				continue
			}
			code, outcome := e.Encode(col, raw)
			rec.Numeric[col] = float64(code)
			delete(rec.Categorical, col)
			switch outcome {
			case FallbackUnknown:
				if raw != "" && raw != Unknown {
					stats.FallbackUnknown[col]++
				}
			case FallbackSentinel:
				stats.FallbackSentinel[col]++
			}
		}
	}

	// Fitted columns become numeric code columns.
	remaining := out.Schema.Categorical[:0]
	for _, col := range out.Schema.Categorical {
		if _, ok := e.Columns[col]; ok {
			out.Schema.Numeric = append(out.Schema.Numeric, col)
			continue
		}
		remaining = append(remaining, col)
	}
	out.Schema.Categorical = remaining

	for _, col := range fitted {
		if n := stats.FallbackUnknown[col]; n > 0 {
			log.Printf("encode: %d unseen value(s) in column %q mapped to %q on partition %s", n, col, Unknown, p.Name)
		}
		if n := stats.FallbackSentinel[col]; n > 0 {
			log.Printf("encode: %d unseen value(s) in column %q mapped to sentinel %d on partition %s", n, col, FallbackCode, p.Name)
		}
	}
	return out, stats
}
