package drift

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/logiflow/driftwatch/internal/dataset"
)

// DefaultSignificance is the p-value threshold below which a feature counts
// as drifted for the dataset-level share.
const DefaultSignificance = 0.05

// PredictFn generates model probabilities for every record of a partition.
// Supplied when prediction drift should be included in reports.
type PredictFn func(p *dataset.Partition) ([]float64, error)

// Report is the result of one reference-vs-current comparison. Each metric is
// independently nullable: a nil pointer means the metric could not be
// computed for this window, which is not an error.
type Report struct {
	ColumnDriftScore     *float64           `json:"column_drift_score"`
	DatasetDriftScore    *float64           `json:"dataset_drift_score"`
	MissingValuesShare   *float64           `json:"missing_values_share"`
	PredictionDriftScore *float64           `json:"prediction_drift_score"`
	FeatureScores        map[string]float64 `json:"feature_scores"`
	DriftedFeatures      int                `json:"drifted_features"`
	TotalFeatures        int                `json:"total_features"`
}

// Calculator compares day slices of a current window against one fixed
// reference window. The reference, the significance threshold and the
// optional prediction hook are read-only after construction.
type Calculator struct {
	reference    *dataset.Partition
	significance float64
	predict      PredictFn
}

// NewCalculator creates a calculator over the given reference window.
// predict may be nil, in which case prediction drift is omitted.
func NewCalculator(reference *dataset.Partition, significance float64, predict PredictFn) *Calculator {
	if significance <= 0 || significance >= 1 {
		significance = DefaultSignificance
	}
	return &Calculator{reference: reference, significance: significance, predict: predict}
}

// Compute builds a drift report for the current window.
//
// Per-feature drift score is 1 - p for the two-sample KS test, so higher
// means more drift; this inversion is the single convention used everywhere.
// The dataset drift score is the share of computable features with
// p < significance. A feature with fewer than two usable samples on either
// side, or zero variance on both sides, is skipped and does not contribute.
func (c *Calculator) Compute(current *dataset.Partition) (*Report, error) {
	if current == nil || current.Len() == 0 {
		return nil, fmt.Errorf("drift: empty current window")
	}

	rep := &Report{FeatureScores: make(map[string]float64)}

	drifted := 0
	for _, col := range c.featureColumns(current) {
		ref := dropNaN(c.reference.NumericColumn(col))
		cur := dropNaN(current.NumericColumn(col))
		if len(ref) < 2 || len(cur) < 2 {
			continue
		}
		if stat.Variance(ref, nil) == 0 && stat.Variance(cur, nil) == 0 {
			continue
		}
		p := twoSamplePValue(ref, cur)
		rep.FeatureScores[col] = 1 - p
		if p < c.significance {
			drifted++
		}
	}
	rep.DriftedFeatures = drifted
	rep.TotalFeatures = len(rep.FeatureScores)

	if rep.TotalFeatures > 0 {
		share := float64(drifted) / float64(rep.TotalFeatures)
		rep.DatasetDriftScore = &share

		scores := make([]float64, 0, rep.TotalFeatures)
		for _, s := range rep.FeatureScores {
			scores = append(scores, s)
		}
		avg := stat.Mean(scores, nil)
		rep.ColumnDriftScore = &avg
	}

	if share, ok := missingShare(current); ok {
		rep.MissingValuesShare = &share
	}

	if c.predict != nil {
		if score, ok := c.predictionDrift(current); ok {
			rep.PredictionDriftScore = &score
		}
	}
	return rep, nil
}

// featureColumns returns the numeric feature columns present in both windows.
// The label column is never a drift feature.
func (c *Calculator) featureColumns(current *dataset.Partition) []string {
	inCurrent := make(map[string]bool, len(current.Schema.Numeric))
	for _, col := range current.Schema.Numeric {
		inCurrent[col] = true
	}
	out := make([]string, 0, len(c.reference.Schema.Numeric))
	for _, col := range c.reference.Schema.Numeric {
		if inCurrent[col] {
			out = append(out, col)
		}
	}
	return out
}

// predictionDrift scores drift between model probabilities on the reference
// and current windows. A model failure (schema mismatch, load error) degrades
// gracefully: the metric is omitted and the rest of the report stands.
func (c *Calculator) predictionDrift(current *dataset.Partition) (float64, bool) {
	refProbs, err := c.predict(c.reference)
	if err != nil {
		log.Printf("drift: prediction drift skipped, reference predict failed: %v", err)
		return 0, false
	}
	curProbs, err := c.predict(current)
	if err != nil {
		log.Printf("drift: prediction drift skipped, current predict failed: %v", err)
		return 0, false
	}
	if len(refProbs) < 2 || len(curProbs) < 2 {
		return 0, false
	}
	return 1 - twoSamplePValue(refProbs, curProbs), true
}

// missingShare computes total missing cells over rows*columns of the current
// window only. NaN numeric cells and empty categorical cells count as missing.
func missingShare(p *dataset.Partition) (float64, bool) {
	cols := append([]string(nil), p.Schema.Numeric...)
	if p.Schema.HasLabel() {
		cols = append(cols, p.Schema.LabelColumn)
	}
	total := (len(cols) + len(p.Schema.Categorical)) * p.Len()
	if total == 0 {
		return 0, false
	}
	missing := 0
	for _, rec := range p.Records {
		for _, col := range cols {
			v, ok := rec.Numeric[col]
			if !ok || math.IsNaN(v) {
				missing++
			}
		}
		for _, col := range p.Schema.Categorical {
			if rec.Categorical[col] == "" {
				missing++
			}
		}
	}
	return float64(missing) / float64(total), true
}

func dropNaN(xs []float64) []float64 {
	out := xs[:0:0]
	for _, v := range xs {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
