// Package train selects a delay classifier: it tries multiple estimator
// families with randomized hyperparameter search under k-fold cross
// validation scored by ROC AUC and keeps the best. It consumes encoded,
// chronologically split, leakage-free partitions; producing them correctly
// is the preprocessing stage's contract, not ours.
package train

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Model is a trained binary classifier over a fixed feature vector layout.
type Model interface {
	// PredictProba returns the probability of the positive (delayed) class.
	PredictProba(x []float64) float64

	// Family names the estimator family, e.g. "logistic" or "gbstumps".
	Family() string
}

// PredictBatch applies the model row by row.
func PredictBatch(m Model, rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i, x := range rows {
		out[i] = m.PredictProba(x)
	}
	return out
}

func sigmoid(z float64) float64 {
	if z < -30 {
		return 0
	}
	if z > 30 {
		return 1
	}
	return 1 / (1 + math.Exp(-z))
}

// LogisticModel is a logistic regression trained by SGD on log-loss with L2
// regularization. Features are standardized with train-set statistics that
// travel with the model.
type LogisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Means   []float64 `json:"means"`
	Stds    []float64 `json:"stds"`
}

func (m *LogisticModel) Family() string { return "logistic" }

func (m *LogisticModel) PredictProba(x []float64) float64 {
	z := m.Bias
	for i, w := range m.Weights {
		if i >= len(x) {
			break
		}
		z += w * (x[i] - m.Means[i]) / m.Stds[i]
	}
	return sigmoid(z)
}

// LogisticParams are the tunable hyperparameters of the logistic family.
type LogisticParams struct {
	LearningRate float64
	Epochs       int
	L2           float64
}

// TrainLogistic fits a logistic regression on the given rows and 0/1 labels.
func TrainLogistic(rows [][]float64, labels []float64, p LogisticParams) (*LogisticModel, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("logistic: empty training set")
	}
	nFeatures := len(rows[0])
	means, stds := standardStats(rows, nFeatures)

	m := &LogisticModel{
		Weights: make([]float64, nFeatures),
		Means:   means,
		Stds:    stds,
	}
	n := float64(len(rows))
	for epoch := 0; epoch < p.Epochs; epoch++ {
		for i, x := range rows {
			pred := m.PredictProba(x)
			grad := pred - labels[i]
			for j := range m.Weights {
				xj := (x[j] - means[j]) / stds[j]
				m.Weights[j] -= p.LearningRate * (grad*xj + p.L2*m.Weights[j]/n)
			}
			m.Bias -= p.LearningRate * grad
		}
	}
	return m, nil
}

func standardStats(rows [][]float64, nFeatures int) (means, stds []float64) {
	means = make([]float64, nFeatures)
	stds = make([]float64, nFeatures)
	n := float64(len(rows))
	for _, x := range rows {
		for j := 0; j < nFeatures && j < len(x); j++ {
			means[j] += x[j]
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, x := range rows {
		for j := 0; j < nFeatures && j < len(x); j++ {
			d := x[j] - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
		if stds[j] == 0 {
			stds[j] = 1 // constant column, leave values centered only
		}
	}
	return means, stds
}

// Stump is one depth-1 regression tree used as a boosting weak learner.
type Stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`  // value when x[feature] <= threshold
	Right     float64 `json:"right"` // value when x[feature] > threshold
}

// GBStumpsModel is gradient boosting on log-loss with stump weak learners.
type GBStumpsModel struct {
	Base      float64 `json:"base"` // initial log-odds
	Shrinkage float64 `json:"shrinkage"`
	Stumps    []Stump `json:"stumps"`
}

func (m *GBStumpsModel) Family() string { return "gbstumps" }

func (m *GBStumpsModel) PredictProba(x []float64) float64 {
	f := m.Base
	for _, s := range m.Stumps {
		v := 0.0
		if s.Feature < len(x) {
			v = x[s.Feature]
		}
		if v <= s.Threshold {
			f += m.Shrinkage * s.Left
		} else {
			f += m.Shrinkage * s.Right
		}
	}
	return sigmoid(f)
}

// GBStumpsParams are the tunable hyperparameters of the gbstumps family.
type GBStumpsParams struct {
	Rounds    int
	Shrinkage float64
	MaxBins   int // candidate thresholds per feature
}

// TrainGBStumps fits gradient-boosted stumps on the given rows and labels.
// Each round fits one stump to the current log-loss gradient with a Newton
// step for the leaf values.
func TrainGBStumps(rows [][]float64, labels []float64, p GBStumpsParams) (*GBStumpsModel, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("gbstumps: empty training set")
	}
	if p.MaxBins < 2 {
		p.MaxBins = 16
	}
	nFeatures := len(rows[0])

	pos := 0.0
	for _, y := range labels {
		pos += y
	}
	prior := clampProb(pos / float64(len(labels)))
	m := &GBStumpsModel{
		Base:      math.Log(prior / (1 - prior)),
		Shrinkage: p.Shrinkage,
	}

	f := make([]float64, len(rows))
	for i := range f {
		f[i] = m.Base
	}
	residuals := make([]float64, len(rows))
	hessians := make([]float64, len(rows))

	thresholds := candidateThresholds(rows, nFeatures, p.MaxBins)

	for round := 0; round < p.Rounds; round++ {
		for i := range rows {
			prob := sigmoid(f[i])
			residuals[i] = labels[i] - prob
			hessians[i] = prob * (1 - prob)
		}
		stump, ok := fitStump(rows, residuals, hessians, thresholds)
		if !ok {
			break // no split improves; further rounds are no-ops
		}
		m.Stumps = append(m.Stumps, stump)
		for i, x := range rows {
			v := 0.0
			if stump.Feature < len(x) {
				v = x[stump.Feature]
			}
			if v <= stump.Threshold {
				f[i] += m.Shrinkage * stump.Left
			} else {
				f[i] += m.Shrinkage * stump.Right
			}
		}
	}
	return m, nil
}

func clampProb(p float64) float64 {
	if p < 1e-6 {
		return 1e-6
	}
	if p > 1-1e-6 {
		return 1 - 1e-6
	}
	return p
}

// candidateThresholds returns up to maxBins quantile cut points per feature.
func candidateThresholds(rows [][]float64, nFeatures, maxBins int) [][]float64 {
	out := make([][]float64, nFeatures)
	vals := make([]float64, 0, len(rows))
	for j := 0; j < nFeatures; j++ {
		vals = vals[:0]
		for _, x := range rows {
			if j < len(x) {
				vals = append(vals, x[j])
			}
		}
		sort.Float64s(vals)
		var cuts []float64
		for b := 1; b < maxBins; b++ {
			idx := b * len(vals) / maxBins
			if idx >= len(vals) {
				break
			}
			c := vals[idx]
			if len(cuts) == 0 || cuts[len(cuts)-1] != c {
				cuts = append(cuts, c)
			}
		}
		out[j] = cuts
	}
	return out
}

// fitStump finds the split minimizing the Newton-step objective over all
// features and candidate thresholds. ok is false when no split separates the
// data.
func fitStump(rows [][]float64, residuals, hessians []float64, thresholds [][]float64) (Stump, bool) {
	best := Stump{}
	bestGain := 0.0
	found := false

	totalG, totalH := 0.0, 0.0
	for i := range residuals {
		totalG += residuals[i]
		totalH += hessians[i]
	}

	const lambda = 1e-6 // keeps leaf values finite on pure nodes
	for j := range thresholds {
		for _, t := range thresholds[j] {
			leftG, leftH := 0.0, 0.0
			nLeft := 0
			for i, x := range rows {
				v := 0.0
				if j < len(x) {
					v = x[j]
				}
				if v <= t {
					leftG += residuals[i]
					leftH += hessians[i]
					nLeft++
				}
			}
			if nLeft == 0 || nLeft == len(rows) {
				continue
			}
			rightG := totalG - leftG
			rightH := totalH - leftH
			gain := leftG*leftG/(leftH+lambda) + rightG*rightG/(rightH+lambda) - totalG*totalG/(totalH+lambda)
			if gain > bestGain {
				bestGain = gain
				best = Stump{
					Feature:   j,
					Threshold: t,
					Left:      leftG / (leftH + lambda),
					Right:     rightG / (rightH + lambda),
				}
				found = true
			}
		}
	}
	return best, found
}

// EncodeModel serializes a model for the registry.
func EncodeModel(m Model) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeModel deserializes a registry artifact by family name.
func DecodeModel(family string, data []byte) (Model, error) {
	switch family {
	case "logistic":
		m := &LogisticModel{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("decode logistic model: %w", err)
		}
		return m, nil
	case "gbstumps":
		m := &GBStumpsModel{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("decode gbstumps model: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown model family %q", family)
	}
}
