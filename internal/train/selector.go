package train

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/logiflow/driftwatch/internal/dataset"
)

// SearchConfig controls the randomized hyperparameter search.
type SearchConfig struct {
	Iterations int   // random draws per family
	Folds      int   // cross-validation folds
	Seed       int64 // reproducible sampling and fold shuffling
}

// DefaultSearchConfig mirrors the production training settings.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{Iterations: 20, Folds: 3, Seed: 42}
}

// Selection is the outcome of model selection: the winning estimator, its
// hyperparameters and its cross-validation score, plus held-out metrics once
// Evaluate has run.
type Selection struct {
	Model        Model
	Family       string
	Params       map[string]float64
	CVScore      float64
	FeatureOrder []string
	Metrics      map[string]float64
}

// FeatureMatrix flattens a partition into dense rows following the schema's
// numeric column order, plus the 0/1 label vector. NaN cells are zero-filled;
// models cannot carry missing values and zero matches the serving-time fill.
func FeatureMatrix(p *dataset.Partition) (rows [][]float64, labels []float64, order []string, err error) {
	if !p.Schema.HasLabel() {
		return nil, nil, nil, fmt.Errorf("partition %s has no label column", p.Name)
	}
	order = append([]string(nil), p.Schema.Numeric...)
	rows = make([][]float64, p.Len())
	labels = make([]float64, p.Len())
	for i, rec := range p.Records {
		row := make([]float64, len(order))
		for j, col := range order {
			v, ok := rec.Numeric[col]
			if !ok || math.IsNaN(v) {
				v = 0
			}
			row[j] = v
		}
		rows[i] = row
		y, ok := rec.Numeric[p.Schema.LabelColumn]
		if !ok || math.IsNaN(y) {
			return nil, nil, nil, fmt.Errorf("partition %s row %d: missing label", p.Name, i)
		}
		labels[i] = y
	}
	return rows, labels, order, nil
}

// candidate is one estimator family under search.
type candidate struct {
	family string
	sample func(r *rand.Rand) (map[string]float64, trainer)
}

type trainer func(rows [][]float64, labels []float64) (Model, error)

func candidates() []candidate {
	lrs := []float64{0.01, 0.05, 0.1}
	epochs := []int{50, 100, 200}
	l2s := []float64{0, 0.001, 0.01, 0.1}

	rounds := []int{50, 100, 200}
	shrinkages := []float64{0.05, 0.1, 0.2}
	bins := []int{8, 16, 32}

	return []candidate{
		{
			family: "logistic",
			sample: func(r *rand.Rand) (map[string]float64, trainer) {
				p := LogisticParams{
					LearningRate: lrs[r.Intn(len(lrs))],
					Epochs:       epochs[r.Intn(len(epochs))],
					L2:           l2s[r.Intn(len(l2s))],
				}
				params := map[string]float64{
					"learning_rate": p.LearningRate,
					"epochs":        float64(p.Epochs),
					"l2":            p.L2,
				}
				return params, func(rows [][]float64, labels []float64) (Model, error) {
					return TrainLogistic(rows, labels, p)
				}
			},
		},
		{
			family: "gbstumps",
			sample: func(r *rand.Rand) (map[string]float64, trainer) {
				p := GBStumpsParams{
					Rounds:    rounds[r.Intn(len(rounds))],
					Shrinkage: shrinkages[r.Intn(len(shrinkages))],
					MaxBins:   bins[r.Intn(len(bins))],
				}
				params := map[string]float64{
					"rounds":    float64(p.Rounds),
					"shrinkage": p.Shrinkage,
					"max_bins":  float64(p.MaxBins),
				}
				return params, func(rows [][]float64, labels []float64) (Model, error) {
					return TrainGBStumps(rows, labels, p)
				}
			},
		},
	}
}

// SelectModel runs the randomized search over all candidate families on the
// combined train+validation partitions and returns the highest-scoring
// configuration, retrained on the full combined set.
func SelectModel(trainP, valP *dataset.Partition, cfg SearchConfig) (*Selection, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 20
	}
	if cfg.Folds < 2 {
		cfg.Folds = 3
	}

	trainRows, trainLabels, order, err := FeatureMatrix(trainP)
	if err != nil {
		return nil, err
	}
	valRows, valLabels, _, err := FeatureMatrix(valP)
	if err != nil {
		return nil, err
	}
	rows := append(trainRows, valRows...)
	labels := append(trainLabels, valLabels...)
	if len(rows) < cfg.Folds {
		return nil, fmt.Errorf("too few rows (%d) for %d-fold cross validation", len(rows), cfg.Folds)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	folds := foldAssignment(len(rows), cfg.Folds, rng)

	best := &Selection{CVScore: -1, FeatureOrder: order, Metrics: make(map[string]float64)}
	var bestTrain trainer

	for _, cand := range candidates() {
		for iter := 0; iter < cfg.Iterations; iter++ {
			params, fit := cand.sample(rng)
			score, err := crossValidate(rows, labels, folds, cfg.Folds, fit)
			if err != nil {
				log.Printf("train: %s draw %d failed: %v", cand.family, iter, err)
				continue
			}
			if score > best.CVScore {
				best.CVScore = score
				best.Family = cand.family
				best.Params = params
				bestTrain = fit
			}
		}
		log.Printf("train: %s searched, best so far %s (cv auc %.4f)", cand.family, best.Family, best.CVScore)
	}

	if bestTrain == nil {
		return nil, fmt.Errorf("model selection produced no viable candidate")
	}
	model, err := bestTrain(rows, labels)
	if err != nil {
		return nil, fmt.Errorf("retrain best candidate: %w", err)
	}
	best.Model = model
	log.Printf("train: selected %s, cv auc %.4f, params %v", best.Family, best.CVScore, best.Params)
	return best, nil
}

// Evaluate fills held-out metrics on the validation and test partitions.
func (s *Selection) Evaluate(valP, testP *dataset.Partition) error {
	for _, part := range []struct {
		name string
		p    *dataset.Partition
	}{{"val", valP}, {"test", testP}} {
		if part.p == nil || part.p.Len() == 0 {
			continue
		}
		rows, labels, _, err := FeatureMatrix(part.p)
		if err != nil {
			return err
		}
		scores := PredictBatch(s.Model, rows)
		s.Metrics[part.name+"_roc_auc"] = AUC(labels, scores)
		s.Metrics[part.name+"_f1"] = F1(labels, scores)
	}
	return nil
}

func foldAssignment(n, k int, rng *rand.Rand) []int {
	idx := rng.Perm(n)
	folds := make([]int, n)
	for pos, i := range idx {
		folds[i] = pos % k
	}
	return folds
}

func crossValidate(rows [][]float64, labels []float64, folds []int, k int, fit trainer) (float64, error) {
	sum := 0.0
	for f := 0; f < k; f++ {
		var trRows [][]float64
		var trLabels, teLabels []float64
		var teRows [][]float64
		for i := range rows {
			if folds[i] == f {
				teRows = append(teRows, rows[i])
				teLabels = append(teLabels, labels[i])
			} else {
				trRows = append(trRows, rows[i])
				trLabels = append(trLabels, labels[i])
			}
		}
		if len(teRows) == 0 || len(trRows) == 0 {
			return 0, fmt.Errorf("empty fold %d", f)
		}
		m, err := fit(trRows, trLabels)
		if err != nil {
			return 0, err
		}
		sum += AUC(teLabels, PredictBatch(m, teRows))
	}
	return sum / float64(k), nil
}
