package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"github.com/logiflow/driftwatch/internal/dataset"
	"github.com/logiflow/driftwatch/internal/encode"
	"github.com/logiflow/driftwatch/internal/metrics"
	"github.com/logiflow/driftwatch/internal/registry"
	"github.com/logiflow/driftwatch/internal/train"
)

func testModel(t *testing.T) *registry.LoadedModel {
	t.Helper()
	p := &dataset.Partition{
		Name:   "train",
		Schema: dataset.Schema{Categorical: []string{"Traffic_Status"}},
		Records: []dataset.Record{
			{Timestamp: time.Now(), Categorical: map[string]string{"Traffic_Status": "Clear"}},
			{Timestamp: time.Now(), Categorical: map[string]string{"Traffic_Status": "Heavy"}},
			{Timestamp: time.Now(), Categorical: map[string]string{"Traffic_Status": ""}},
		},
	}
	enc, err := encode.Fit(p, []string{"Traffic_Status"})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	model := &train.LogisticModel{
		Weights: []float64{2, 0.1, 0.5},
		Bias:    -1,
		Means:   []float64{20, 12, 1},
		Stds:    []float64{10, 6, 1},
	}
	return &registry.LoadedModel{
		Model:        model,
		Meta:         registry.Metadata{Name: "logistics-delay", Version: "v1", Family: "logistic"},
		FeatureOrder: []string{"Waiting_Time", dataset.HourColumn, "Traffic_Status"},
		Encoder:      enc,
	}
}

func newTestApp(t *testing.T, model *registry.LoadedModel, opts Options) *App {
	t.Helper()
	app, err := NewApp(model, opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func doRequest(app *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, req)
	return w
}

func TestPredictSingleRecord(t *testing.T) {
	logs := NewMemoryLogStore()
	app := newTestApp(t, testModel(t), Options{LogStore: logs})

	body := `{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Heavy"}`
	w := doRequest(app, http.MethodPost, "/predict", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Prediction   *int     `json:"prediction"`
		Probability  *float64 `json:"probability"`
		ModelVersion string   `json:"model_version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Prediction == nil || resp.Probability == nil {
		t.Fatal("scalar response missing prediction/probability")
	}
	if *resp.Probability < 0 || *resp.Probability > 1 {
		t.Errorf("probability = %v out of range", *resp.Probability)
	}
	if resp.ModelVersion != "v1" {
		t.Errorf("model_version = %q, want v1", resp.ModelVersion)
	}

	entries := logs.Entries()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	// Waiting_Time, hour (from the timestamp), encoded Traffic_Status.
	wantVec := []float64{45, 10, 1}
	if len(entries[0].Features) != len(wantVec) {
		t.Fatalf("feature vector = %v", entries[0].Features)
	}
	for i, v := range wantVec {
		if entries[0].Features[i] != v {
			t.Errorf("feature %d = %v, want %v", i, entries[0].Features[i], v)
		}
	}
}

func TestPredictBatch(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})

	body := `{"records":[
		{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Heavy"},
		{"Timestamp":"2024-01-02T08:00:00Z","Waiting_Time":5.0,"Traffic_Status":"Clear"}
	]}`
	w := doRequest(app, http.MethodPost, "/predict", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Prediction  []int     `json:"prediction"`
		Probability []float64 `json:"probability"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Prediction) != 2 || len(resp.Probability) != 2 {
		t.Fatalf("got %d predictions / %d probabilities, want 2/2", len(resp.Prediction), len(resp.Probability))
	}
	if resp.Probability[0] <= resp.Probability[1] {
		t.Errorf("long wait in heavy traffic should score higher: %v vs %v",
			resp.Probability[0], resp.Probability[1])
	}
}

func TestPredictBareArrayBatch(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	body := `[
		{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Heavy"},
		{"Timestamp":"2024-01-02T08:00:00Z","Waiting_Time":5.0,"Traffic_Status":"Clear"}
	]`
	w := doRequest(app, http.MethodPost, "/predict", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Prediction []int `json:"prediction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Prediction) != 2 {
		t.Fatalf("got %d predictions, want 2", len(resp.Prediction))
	}
}

func TestPredictUnseenCategoryStillServes(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	body := `{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Gridlock"}`
	w := doRequest(app, http.MethodPost, "/predict", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestPredictWithoutModel(t *testing.T) {
	app := newTestApp(t, nil, Options{})
	w := doRequest(app, http.MethodPost, "/predict", `{"Waiting_Time":1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}

	app.SetModel(testModel(t))
	w = doRequest(app, http.MethodPost, "/predict", `{"Waiting_Time":1}`)
	if w.Code != http.StatusOK {
		t.Errorf("status after SetModel = %d, want 200", w.Code)
	}
}

func TestPredictRejectsBadInput(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"Waiting_Time":`},
		{"empty record", `{}`},
		{"empty batch", `{"records":[]}`},
		{"empty bare array", `[]`},
		{"non-array records", `{"records":"nope"}`},
		{"string for numeric", `{"Waiting_Time":"fast"}`},
		{"number for categorical", `{"Traffic_Status":3}`},
		{"bad timestamp", `{"Timestamp":"15/03/2024","Waiting_Time":1}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := doRequest(app, http.MethodPost, "/predict", c.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestPredictMethodNotAllowed(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	w := doRequest(app, http.MethodGet, "/predict", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestPredictRateLimited(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{
		Limiter: rate.NewLimiter(rate.Limit(1), 1),
	})
	body := `{"Waiting_Time":1}`
	if w := doRequest(app, http.MethodPost, "/predict", body); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := doRequest(app, http.MethodPost, "/predict", body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestPredictLogsEveryRequest(t *testing.T) {
	logs := NewMemoryLogStore()
	app := newTestApp(t, testModel(t), Options{LogStore: logs})

	body := `{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Heavy"}`
	for i := 0; i < 3; i++ {
		if w := doRequest(app, http.MethodPost, "/predict", body); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	// Repeated records are answered from the cache, but each request still
	// gets its own serving log entry.
	entries := logs.Entries()
	if len(entries) != 3 {
		t.Fatalf("logged %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Probability != entries[0].Probability {
			t.Errorf("entry %d probability = %v, want %v", i, entries[i].Probability, entries[0].Probability)
		}
	}
}

func TestPredictMetricsCounters(t *testing.T) {
	m := metrics.New()
	app := newTestApp(t, testModel(t), Options{Metrics: m})

	// An unseen category falls back to the Unknown code and is counted per
	// column.
	unseen := `{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Gridlock"}`
	if w := doRequest(app, http.MethodPost, "/predict", unseen); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(m.EncoderFallbacks.WithLabelValues("Traffic_Status")); got != 1 {
		t.Errorf("encoder fallback count = %v, want 1", got)
	}

	// Repeats of a clean record register as cache hits after the first call.
	clean := `{"Timestamp":"2024-01-01T10:00:00Z","Waiting_Time":45.0,"Traffic_Status":"Heavy"}`
	for i := 0; i < 3; i++ {
		if w := doRequest(app, http.MethodPost, "/predict", clean); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	if got := testutil.ToFloat64(m.PredictionCacheHits); got != 2 {
		t.Errorf("cache hit count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EncoderFallbacks.WithLabelValues("Traffic_Status")); got != 1 {
		t.Errorf("encoder fallback count after clean requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PredictionsServed); got != 4 {
		t.Errorf("served count = %v, want 4", got)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	w := doRequest(app, http.MethodGet, "/model/metadata", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		FeatureOrder []string `json:"feature_order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Name != "logistics-delay" || resp.Version != "v1" {
		t.Errorf("metadata = %+v", resp)
	}
	if len(resp.FeatureOrder) != 3 {
		t.Errorf("feature_order = %v", resp.FeatureOrder)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t, testModel(t), Options{})
	w := doRequest(app, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
