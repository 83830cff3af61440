package serve

import (
	"fmt"
	"time"

	"github.com/logiflow/driftwatch/internal/dataset"
	"github.com/logiflow/driftwatch/internal/encode"
)

// RecordInput is one raw record as submitted by a client: a flat object
// mapping column names to values. Numbers are numeric features, strings are
// either the timestamp or categorical values.
type RecordInput map[string]any

// buildVector reconstructs the model's feature vector from a raw record,
// using the same derivations as training: temporal features come from the
// timestamp, categorical values go through the frozen encoder, and anything
// missing is zero-filled. fallbacks counts fallback encodings per column.
func buildVector(rec RecordInput, order []string, enc *encode.Encoder, timestampColumn string) (vec []float64, fallbacks map[string]int, err error) {
	var temporal map[string]float64
	if raw, ok := rec[timestampColumn]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, nil, fmt.Errorf("column %s: expected a timestamp string", timestampColumn)
		}
		ts, err := dataset.ParseTimestamp(s)
		if err != nil {
			return nil, nil, err
		}
		temporal = dataset.TemporalFeatures(ts)
	}

	encoded := make(map[string]bool, len(enc.Columns))
	for name := range enc.Columns {
		encoded[name] = true
	}

	fallbacks = make(map[string]int)
	vec = make([]float64, len(order))
	for i, name := range order {
		raw, present := rec[name]
		switch {
		case encoded[name]:
			s := encode.Unknown
			if present {
				v, ok := raw.(string)
				if !ok {
					return nil, nil, fmt.Errorf("column %s: expected a string", name)
				}
				s = v
			}
			code, outcome := enc.Encode(name, s)
			if outcome != encode.Encoded {
				fallbacks[name]++
			}
			vec[i] = float64(code)
		case temporal != nil && !present:
			if v, ok := temporal[name]; ok {
				vec[i] = v
			}
		case present:
			v, ok := raw.(float64)
			if !ok {
				return nil, nil, fmt.Errorf("column %s: expected a number", name)
			}
			vec[i] = v
		default:
			// Missing numeric feature, same zero fill as training.
			vec[i] = 0
		}
	}
	return vec, fallbacks, nil
}

// nowUTC is a test seam for the timestamp recorded in serving logs.
var nowUTC = func() time.Time { return time.Now().UTC() }
