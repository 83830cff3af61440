package drift

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/logiflow/driftwatch/internal/dataset"
)

func TestKSStatisticIdenticalSamples(t *testing.T) {
	xs := []float64{1, 2, 2, 3, 5, 8, 13}
	if d := ksStatistic(xs, xs); d != 0 {
		t.Errorf("D = %v, want 0", d)
	}
	if p := twoSamplePValue(xs, xs); p != 1 {
		t.Errorf("p = %v, want 1", p)
	}
}

func TestKSStatisticDisjointSamples(t *testing.T) {
	a := make([]float64, 50)
	b := make([]float64, 50)
	for i := range a {
		a[i] = float64(i)
		b[i] = float64(i) + 1000
	}
	if d := ksStatistic(a, b); math.Abs(d-1) > 1e-12 {
		t.Errorf("D = %v, want 1", d)
	}
	if p := twoSamplePValue(a, b); p > 1e-6 {
		t.Errorf("p = %v, want near 0", p)
	}
}

func TestKSStatisticHandlesTies(t *testing.T) {
	a := []float64{1, 1, 1, 2, 2, 3}
	b := []float64{1, 2, 2, 2, 3, 3}
	d := ksStatistic(a, b)
	// F1 jumps to 3/6 at x=1 while F2 reaches 1/6, so D = 1/3.
	if math.Abs(d-1.0/3.0) > 1e-12 {
		t.Errorf("D = %v, want 1/3", d)
	}
}

func TestKSPValueBounds(t *testing.T) {
	cases := []struct {
		d      float64
		n1, n2 int
	}{
		{0, 10, 10},
		{0.1, 20, 20},
		{0.5, 100, 100},
		{1, 500, 500},
	}
	for _, c := range cases {
		p := ksPValue(c.d, c.n1, c.n2)
		if p < 0 || p > 1 {
			t.Errorf("ksPValue(%v, %d, %d) = %v out of [0,1]", c.d, c.n1, c.n2, p)
		}
	}
}

// window builds a partition with one noisy feature, one constant feature and
// a label column.
func window(name string, n int, offset float64, seed int64) *dataset.Partition {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &dataset.Partition{
		Name: name,
		Schema: dataset.Schema{
			TimestampColumn: "Timestamp",
			LabelColumn:     "Logistics_Delay",
			Numeric:         []string{"Waiting_Time", "Fixed_Rate"},
		},
	}
	for i := 0; i < n; i++ {
		p.Records = append(p.Records, dataset.Record{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Numeric: map[string]float64{
				"Waiting_Time":    offset + rng.NormFloat64(),
				"Fixed_Rate":      7,
				"Logistics_Delay": float64(i % 2),
			},
		})
	}
	return p
}

func TestComputeSelfComparison(t *testing.T) {
	ref := window("ref", 200, 0, 1)
	calc := NewCalculator(ref, DefaultSignificance, nil)

	rep, err := calc.Compute(ref)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.DatasetDriftScore == nil || *rep.DatasetDriftScore != 0 {
		t.Errorf("DatasetDriftScore = %v, want 0", rep.DatasetDriftScore)
	}
	if rep.ColumnDriftScore == nil || math.Abs(*rep.ColumnDriftScore) > 1e-9 {
		t.Errorf("ColumnDriftScore = %v, want ~0", rep.ColumnDriftScore)
	}
	if rep.DriftedFeatures != 0 {
		t.Errorf("DriftedFeatures = %d, want 0", rep.DriftedFeatures)
	}
	if rep.PredictionDriftScore != nil {
		t.Error("PredictionDriftScore set without a predict hook")
	}
}

func TestComputeDetectsShift(t *testing.T) {
	ref := window("ref", 300, 0, 1)
	cur := window("cur", 300, 25, 2)
	calc := NewCalculator(ref, DefaultSignificance, nil)

	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.DriftedFeatures != 1 {
		t.Errorf("DriftedFeatures = %d, want 1", rep.DriftedFeatures)
	}
	score, ok := rep.FeatureScores["Waiting_Time"]
	if !ok || score < 0.99 {
		t.Errorf("Waiting_Time score = %v, want >= 0.99", score)
	}
	if rep.DatasetDriftScore == nil || *rep.DatasetDriftScore != 1 {
		t.Errorf("DatasetDriftScore = %v, want 1 (only computable feature drifted)", rep.DatasetDriftScore)
	}
}

func TestComputeSkipsConstantAndLabelColumns(t *testing.T) {
	ref := window("ref", 100, 0, 1)
	cur := window("cur", 100, 0, 2)
	calc := NewCalculator(ref, DefaultSignificance, nil)

	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, ok := rep.FeatureScores["Fixed_Rate"]; ok {
		t.Error("constant column was scored")
	}
	if _, ok := rep.FeatureScores["Logistics_Delay"]; ok {
		t.Error("label column was scored")
	}
	if rep.TotalFeatures != 1 {
		t.Errorf("TotalFeatures = %d, want 1", rep.TotalFeatures)
	}
}

func TestComputeSmallWindowYieldsNullMetrics(t *testing.T) {
	ref := window("ref", 100, 0, 1)
	cur := window("cur", 1, 0, 2)
	calc := NewCalculator(ref, DefaultSignificance, nil)

	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.DatasetDriftScore != nil || rep.ColumnDriftScore != nil {
		t.Errorf("drift scores should be null for a single-row window, got %v / %v",
			rep.DatasetDriftScore, rep.ColumnDriftScore)
	}
	if rep.MissingValuesShare == nil {
		t.Error("MissingValuesShare should still be computable")
	}
}

func TestComputeEmptyCurrentFails(t *testing.T) {
	calc := NewCalculator(window("ref", 10, 0, 1), DefaultSignificance, nil)
	if _, err := calc.Compute(&dataset.Partition{}); err == nil {
		t.Fatal("Compute accepted an empty current window")
	}
}

func TestMissingValuesShare(t *testing.T) {
	ref := window("ref", 50, 0, 1)
	cur := window("cur", 10, 0, 2)
	// 10 rows x 3 numeric cells (2 features + label); blank 3 cells = 10%.
	cur.Records[0].Numeric["Waiting_Time"] = math.NaN()
	cur.Records[1].Numeric["Fixed_Rate"] = math.NaN()
	delete(cur.Records[2].Numeric, "Waiting_Time")

	calc := NewCalculator(ref, DefaultSignificance, nil)
	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.MissingValuesShare == nil {
		t.Fatal("MissingValuesShare is nil")
	}
	if math.Abs(*rep.MissingValuesShare-0.10) > 1e-9 {
		t.Errorf("MissingValuesShare = %v, want 0.10", *rep.MissingValuesShare)
	}
}

func TestPredictionDrift(t *testing.T) {
	ref := window("ref", 100, 0, 1)
	cur := window("cur", 100, 30, 2)

	predict := func(p *dataset.Partition) ([]float64, error) {
		out := make([]float64, p.Len())
		for i, rec := range p.Records {
			out[i] = 1 / (1 + math.Exp(-rec.Numeric["Waiting_Time"]))
		}
		return out, nil
	}

	calc := NewCalculator(ref, DefaultSignificance, predict)
	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.PredictionDriftScore == nil {
		t.Fatal("PredictionDriftScore is nil")
	}
	if *rep.PredictionDriftScore < 0.99 {
		t.Errorf("PredictionDriftScore = %v, want >= 0.99", *rep.PredictionDriftScore)
	}
}

func TestPredictionDriftDegradesOnFailure(t *testing.T) {
	ref := window("ref", 100, 0, 1)
	cur := window("cur", 100, 0, 2)

	predict := func(p *dataset.Partition) ([]float64, error) {
		return nil, fmt.Errorf("model unavailable")
	}

	calc := NewCalculator(ref, DefaultSignificance, predict)
	rep, err := calc.Compute(cur)
	if err != nil {
		t.Fatalf("Compute returned error on predict failure: %v", err)
	}
	if rep.PredictionDriftScore != nil {
		t.Error("PredictionDriftScore set despite predict failure")
	}
	if rep.DatasetDriftScore == nil {
		t.Error("feature drift metrics missing, report should stand without prediction drift")
	}
}
