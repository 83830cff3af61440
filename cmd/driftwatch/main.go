package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/logiflow/driftwatch/internal/config"
	"github.com/logiflow/driftwatch/internal/dataset"
	"github.com/logiflow/driftwatch/internal/drift"
	"github.com/logiflow/driftwatch/internal/encode"
	"github.com/logiflow/driftwatch/internal/metrics"
	"github.com/logiflow/driftwatch/internal/monitor"
	"github.com/logiflow/driftwatch/internal/registry"
	"github.com/logiflow/driftwatch/internal/serve"
	"github.com/logiflow/driftwatch/internal/train"
	otelpkg "github.com/logiflow/driftwatch/pkg/otel"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftwatch",
		Short: "Leakage-safe training and drift monitoring for the logistics delay model",
		Long: `driftwatch runs the logistics delay pipeline end to end:
chronological preprocessing, model selection and registration,
day-by-day drift monitoring and the prediction service.`,
	}

	rootCmd.AddCommand(preprocessCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// manifest describes one preprocessing run so later stages can verify they
// read the partitions they expect.
type manifest struct {
	CreatedAt      time.Time           `json:"created_at"`
	SourcePath     string              `json:"source_path"`
	Rows           map[string]int      `json:"rows"`
	TimeSpans      map[string]timeSpan `json:"time_spans"`
	FeatureColumns []string            `json:"feature_columns"`
}

type timeSpan struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func preprocessCmd() *cobra.Command {
	var input, outDir string
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Split raw shipment data chronologically and fit the label encoder",
		Long: `Loads the raw shipment CSV, derives temporal features, splits 70/15/15
by timestamp with leakage checks, fits the label encoder on the train
partition only and writes the encoded partitions plus the frozen encoder.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := dataset.DefaultLoadOptions()
			raw, err := dataset.LoadCSV(input, "raw", opts)
			if err != nil {
				return fmt.Errorf("load raw data: %w", err)
			}
			log.Printf("loaded %d records from %s", raw.Len(), input)

			full := dataset.WithTemporalFeatures(raw)
			trainP, valP, testP, err := dataset.Split(full, 0.70, 0.15)
			if err != nil {
				return fmt.Errorf("chronological split: %w", err)
			}
			log.Printf("split: train=%d val=%d test=%d", trainP.Len(), valP.Len(), testP.Len())

			enc, err := encode.Fit(trainP, opts.CategoricalColumns)
			if err != nil {
				return fmt.Errorf("fit encoder: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			m := manifest{
				CreatedAt:  time.Now().UTC(),
				SourcePath: input,
				Rows:       make(map[string]int, 3),
				TimeSpans:  make(map[string]timeSpan, 3),
			}
			parts := map[string]*dataset.Partition{
				"train": trainP, "val": valP, "test": testP,
			}
			for _, name := range []string{"train", "val", "test"} {
				p := parts[name]
				encoded, stats := enc.Transform(p)
				if stats.Fallbacks() > 0 {
					log.Printf("%s: %d fallback encodings", name, stats.Fallbacks())
				}
				if name == "train" {
					m.FeatureColumns = encoded.Schema.Numeric
				}
				path := filepath.Join(outDir, name+".csv")
				if err := dataset.SaveCSV(encoded, path); err != nil {
					return fmt.Errorf("write %s partition: %w", name, err)
				}
				m.Rows[name] = encoded.Len()
				if start, end, ok := encoded.TimeBounds(); ok {
					m.TimeSpans[name] = timeSpan{Start: start, End: end}
				}
			}

			if err := writeJSONFile(filepath.Join(outDir, "encoder.json"), enc); err != nil {
				return fmt.Errorf("write encoder: %w", err)
			}
			if err := writeJSONFile(filepath.Join(outDir, "manifest.json"), m); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			log.Printf("preprocessing done, artifacts in %s", outDir)
			return nil
		},
	}
	cfg := config.FromEnv()
	cmd.Flags().StringVar(&input, "input", filepath.Join(cfg.DataDir, "smart_logistics_dataset.csv"), "Raw shipment CSV")
	cmd.Flags().StringVar(&outDir, "out-dir", filepath.Join(cfg.DataDir, "processed"), "Directory for encoded partitions")
	return cmd
}

func trainCmd() *cobra.Command {
	var dataDir string
	var iterations int
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Select the best model by time-aware CV and register it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()

			trainP, valP, testP, enc, err := loadProcessed(dataDir)
			if err != nil {
				return err
			}

			searchCfg := train.DefaultSearchConfig()
			if iterations > 0 {
				searchCfg.Iterations = iterations
			}
			sel, err := train.SelectModel(trainP, valP, searchCfg)
			if err != nil {
				return fmt.Errorf("model selection: %w", err)
			}
			if err := sel.Evaluate(valP, testP); err != nil {
				return fmt.Errorf("evaluate selection: %w", err)
			}
			log.Printf("selected %s (cv=%.4f val_auc=%.4f test_auc=%.4f)",
				sel.Family, sel.CVScore, sel.Metrics["val_roc_auc"], sel.Metrics["test_roc_auc"])

			reg, err := registry.New(cfg.RegistryDir, cfg.ModelName)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			meta, err := reg.Register(sel, enc)
			if err != nil {
				return fmt.Errorf("register model: %w", err)
			}
			if err := reg.SetAlias(cfg.ModelAlias, meta.Version); err != nil {
				return fmt.Errorf("set alias: %w", err)
			}
			log.Printf("registered %s %s, alias %q updated", meta.Name, meta.Version, cfg.ModelAlias)
			return nil
		},
	}
	cfg := config.FromEnv()
	cmd.Flags().StringVar(&dataDir, "data-dir", filepath.Join(cfg.DataDir, "processed"), "Directory with encoded partitions")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Override hyperparameter search iterations")
	return cmd
}

func monitorCmd() *cobra.Command {
	var dataDir string
	var noPredictionDrift bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Replay the validation window day by day and persist drift reports",
		Long: `Uses the train partition as the fixed reference window and walks the
validation partition one calendar day at a time, computing and persisting
a drift report per day. A failing day is logged and skipped, never fatal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tp, err := initTracing(ctx, cfg, "driftwatch-monitor")
			if err != nil {
				return err
			}
			defer otelpkg.Shutdown(context.Background(), tp)

			trainRef, valP, _, _, err := loadProcessed(dataDir)
			if err != nil {
				return err
			}

			var predict drift.PredictFn
			if !noPredictionDrift {
				reg, err := registry.New(cfg.RegistryDir, cfg.ModelName)
				if err == nil {
					if model, err := reg.Resolve(cfg.ModelName, cfg.ModelAlias); err == nil {
						predict = predictFnFor(model)
						log.Printf("prediction drift enabled with %s", model.Meta.Version)
					} else {
						log.Printf("prediction drift disabled, no model resolved: %v", err)
					}
				} else {
					log.Printf("prediction drift disabled, registry unavailable: %v", err)
				}
			}

			store, err := openReportStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			calc := drift.NewCalculator(trainRef, drift.DefaultSignificance, predict)
			opts := []monitor.Option{
				monitor.WithMetrics(metrics.New()),
				monitor.WithPause(time.Duration(cfg.PauseSeconds) * time.Second),
			}
			if cfg.RedisAddr != "" {
				pub, err := monitor.NewRedisPublisher(ctx, cfg.RedisAddr)
				if err != nil {
					return fmt.Errorf("connect redis publisher: %w", err)
				}
				defer pub.Close()
				opts = append(opts, monitor.WithPublisher(pub))
			}

			loop := monitor.NewLoop(calc, store, opts...)
			res, err := loop.Run(ctx, valP)
			if err != nil {
				return fmt.Errorf("monitoring interrupted: %w", err)
			}
			log.Printf("monitoring complete: %d/%d days processed, %d failed",
				res.ProcessedDays, res.TotalDays, res.FailedDays)
			return nil
		},
	}
	cfg := config.FromEnv()
	cmd.Flags().StringVar(&dataDir, "data-dir", filepath.Join(cfg.DataDir, "processed"), "Directory with encoded partitions")
	cmd.Flags().BoolVar(&noPredictionDrift, "no-prediction-drift", false, "Skip the prediction drift metric")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the registered model over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tp, err := initTracing(ctx, cfg, "driftwatch-serve")
			if err != nil {
				return err
			}
			defer otelpkg.Shutdown(context.Background(), tp)

			reg, err := registry.New(cfg.RegistryDir, cfg.ModelName)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			var model *registry.LoadedModel
			if m, err := reg.Resolve(cfg.ModelName, cfg.ModelAlias); err != nil {
				log.Printf("no model resolved yet, serving 503 until one is registered: %v", err)
			} else {
				model = m
				log.Printf("serving %s %s", m.Meta.Name, m.Meta.Version)
			}

			var logStore serve.LogStore
			switch cfg.MetricsBackend {
			case "memory":
				logStore = serve.NewMemoryLogStore()
			case "postgres":
				logStore, err = serve.NewPostgresLogStore(ctx, cfg.PostgresDSN)
				if err != nil {
					return fmt.Errorf("open serving log store: %w", err)
				}
			default:
				return fmt.Errorf("unknown METRICS_BACKEND %q", cfg.MetricsBackend)
			}
			defer logStore.Close()

			app, err := serve.NewApp(model, serve.Options{
				LogStore: logStore,
				Metrics:  metrics.New(),
				Limiter:  rate.NewLimiter(rate.Limit(cfg.TokenRate), cfg.TokenRate*2),
			})
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      app.Routes(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				log.Printf("prediction service listening on :%s", cfg.Port)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("server error: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("server shutdown error: %v", err)
			}
			log.Println("server stopped")
			return nil
		},
	}
	return cmd
}

// loadProcessed reads the encoded partitions and the frozen encoder written
// by the preprocess command.
func loadProcessed(dir string) (trainP, valP, testP *dataset.Partition, enc *encode.Encoder, err error) {
	opts := dataset.LoadOptions{
		TimestampColumn: dataset.DefaultLoadOptions().TimestampColumn,
		LabelColumn:     dataset.DefaultLoadOptions().LabelColumn,
	}
	parts := make(map[string]*dataset.Partition, 3)
	for _, name := range []string{"train", "val", "test"} {
		p, err := dataset.LoadCSV(filepath.Join(dir, name+".csv"), name, opts)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load %s partition: %w", name, err)
		}
		parts[name] = p
	}

	raw, err := os.ReadFile(filepath.Join(dir, "encoder.json"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("read encoder: %w", err)
	}
	enc = &encode.Encoder{}
	if err := json.Unmarshal(raw, enc); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode encoder: %w", err)
	}
	return parts["train"], parts["val"], parts["test"], enc, nil
}

// predictFnFor adapts a loaded model to the drift calculator's predict hook.
func predictFnFor(model *registry.LoadedModel) drift.PredictFn {
	return func(p *dataset.Partition) ([]float64, error) {
		rows := make([][]float64, p.Len())
		for i, rec := range p.Records {
			row := make([]float64, len(model.FeatureOrder))
			for j, col := range model.FeatureOrder {
				if v, ok := rec.Numeric[col]; ok && !math.IsNaN(v) {
					row[j] = v
				}
			}
			rows[i] = row
		}
		return train.PredictBatch(model.Model, rows), nil
	}
}

func openReportStore(ctx context.Context, cfg *config.Config) (monitor.ReportStore, error) {
	switch cfg.MetricsBackend {
	case "memory":
		return monitor.NewMemoryStore(), nil
	case "postgres":
		store, err := monitor.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres metrics store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown METRICS_BACKEND %q", cfg.MetricsBackend)
	}
}

func initTracing(ctx context.Context, cfg *config.Config, service string) (*sdktrace.TracerProvider, error) {
	if cfg.OTELEndpoint == "" {
		return nil, nil
	}
	otelCfg := otelpkg.DefaultConfig(service)
	otelCfg.CollectorEndpoint = cfg.OTELEndpoint
	return otelpkg.InitTracer(ctx, otelCfg)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
