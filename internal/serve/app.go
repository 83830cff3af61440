// Package serve exposes the trained model over HTTP: single and batch
// predictions, model metadata, health and Prometheus metrics.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/logiflow/driftwatch/internal/cache"
	"github.com/logiflow/driftwatch/internal/dataset"
	"github.com/logiflow/driftwatch/internal/metrics"
	"github.com/logiflow/driftwatch/internal/registry"
	otelpkg "github.com/logiflow/driftwatch/pkg/otel"
)

const maxBodyBytes = 1 << 20

// Prediction is the served result for one record.
type Prediction struct {
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
}

// singleResponse answers a single-record request with scalars; batchResponse
// answers a batch with position-aligned arrays.
type singleResponse struct {
	Prediction   int     `json:"prediction"`
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"model_version"`
}

type batchResponse struct {
	Prediction   []int     `json:"prediction"`
	Probability  []float64 `json:"probability"`
	ModelVersion string    `json:"model_version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// App is the prediction service. The model is swappable so a newly promoted
// version can be picked up without restarting.
type App struct {
	mu              sync.RWMutex
	model           *registry.LoadedModel
	timestampColumn string

	logStore LogStore
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	cache    *cache.Cache[string, Prediction]
}

// Options configure an App.
type Options struct {
	TimestampColumn string
	LogStore        LogStore
	Metrics         *metrics.Metrics
	Limiter         *rate.Limiter
	CacheSize       int
	CacheTTL        time.Duration
}

// NewApp creates the service. The model may be nil; requests then return 503
// until SetModel is called.
func NewApp(model *registry.LoadedModel, opts Options) (*App, error) {
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = dataset.DefaultLoadOptions().TimestampColumn
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	c, err := cache.New[string, Prediction](opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create prediction cache: %w", err)
	}
	return &App{
		model:           model,
		timestampColumn: opts.TimestampColumn,
		logStore:        opts.LogStore,
		metrics:         opts.Metrics,
		limiter:         opts.Limiter,
		cache:           c,
	}, nil
}

// SetModel swaps the served model.
func (a *App) SetModel(m *registry.LoadedModel) {
	a.mu.Lock()
	a.model = m
	a.mu.Unlock()
}

func (a *App) currentModel() *registry.LoadedModel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Routes returns the service mux.
func (a *App) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", a.handlePredict)
	mux.HandleFunc("/model/metadata", a.handleMetadata)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (a *App) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.limiter != nil && !a.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RequestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	model := a.currentModel()
	if model == nil {
		writeError(w, http.StatusServiceUnavailable, "no model loaded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.failRequest(w, http.StatusBadRequest, "failed to read body")
		return
	}

	records, batch, err := parseRequest(body)
	if err != nil {
		a.failRequest(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	tracer := otel.Tracer("driftwatch/serve")
	ctx, span := tracer.Start(ctx, "serve.predict")
	span.SetAttributes(
		otelpkg.AttrModelName.String(model.Meta.Name),
		otelpkg.AttrModelVersion.String(model.Meta.Version),
		otelpkg.AttrBatchSize.Int(len(records)),
	)
	defer span.End()

	preds := make([]Prediction, 0, len(records))
	for _, rec := range records {
		p, err := a.predictOne(ctx, model, rec)
		if err != nil {
			span.RecordError(err)
			a.failRequest(w, http.StatusBadRequest, err.Error())
			return
		}
		preds = append(preds, p)
	}

	if a.metrics != nil {
		a.metrics.PredictionsServed.Add(float64(len(preds)))
	}

	if !batch {
		writeJSON(w, http.StatusOK, singleResponse{
			Prediction:   preds[0].Prediction,
			Probability:  preds[0].Probability,
			ModelVersion: model.Meta.Version,
		})
		return
	}
	resp := batchResponse{
		Prediction:   make([]int, len(preds)),
		Probability:  make([]float64, len(preds)),
		ModelVersion: model.Meta.Version,
	}
	for i, p := range preds {
		resp.Prediction[i] = p.Prediction
		resp.Probability[i] = p.Probability
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) predictOne(ctx context.Context, model *registry.LoadedModel, rec RecordInput) (Prediction, error) {
	vec, fallbacks, err := buildVector(rec, model.FeatureOrder, model.Encoder, a.timestampColumn)
	if err != nil {
		return Prediction{}, err
	}
	if len(fallbacks) > 0 {
		total := 0
		for col, n := range fallbacks {
			total += n
			if a.metrics != nil {
				a.metrics.EncoderFallbacks.WithLabelValues(col).Add(float64(n))
			}
		}
		log.Printf("prediction request used %d encoder fallbacks", total)
	}

	key := cacheKey(model.Meta.Version, vec)
	pred, hit := a.cache.Get(key)
	if hit {
		if a.metrics != nil {
			a.metrics.PredictionCacheHits.Inc()
		}
	} else {
		prob := model.Model.PredictProba(vec)
		pred = Prediction{Probability: prob}
		if prob >= 0.5 {
			pred.Prediction = 1
		}
		a.cache.Set(key, pred)
	}

	// Every request is logged, cached or not, so the serving log stays a
	// faithful record of production traffic.
	if a.logStore != nil {
		entry := LogEntry{
			Timestamp:    nowUTC(),
			ModelVersion: model.Meta.Version,
			Features:     vec,
			Probability:  pred.Probability,
			Prediction:   pred.Prediction,
		}
		if err := a.logStore.Log(ctx, entry); err != nil {
			log.Printf("serving log write failed: %v", err)
		}
	}
	return pred, nil
}

func (a *App) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	model := a.currentModel()
	if model == nil {
		writeError(w, http.StatusServiceUnavailable, "no model loaded")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		registry.Metadata
		FeatureOrder []string `json:"feature_order"`
	}{model.Meta, model.FeatureOrder})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *App) failRequest(w http.ResponseWriter, status int, msg string) {
	if a.metrics != nil {
		a.metrics.PredictionsFailed.Inc()
	}
	writeError(w, status, msg)
}

// parseRequest accepts a single flat record object, a bare array of records,
// or a batch wrapped in {"records": [...]}. The bool reports whether a batch
// form was used.
func parseRequest(body []byte) ([]RecordInput, bool, error) {
	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var records []RecordInput
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, true, fmt.Errorf("invalid JSON array")
		}
		if len(records) == 0 {
			return nil, true, fmt.Errorf("batch must not be empty")
		}
		return records, true, nil
	}

	var envelope struct {
		Records []RecordInput `json:"records"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Records != nil {
		if len(envelope.Records) == 0 {
			return nil, true, fmt.Errorf("records must not be empty")
		}
		return envelope.Records, true, nil
	}

	var single RecordInput
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, fmt.Errorf("invalid JSON")
	}
	if len(single) == 0 {
		return nil, false, fmt.Errorf("empty record")
	}
	if _, ok := single["records"]; ok {
		return nil, false, fmt.Errorf("records must be an array")
	}
	return []RecordInput{single}, false, nil
}

func cacheKey(version string, vec []float64) string {
	return version + "|" + fmt.Sprint(vec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
