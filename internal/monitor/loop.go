// Package monitor simulates production drift monitoring: it walks the
// current window one calendar day at a time, computes a drift report for
// each day against a fixed reference window and persists the results.
package monitor

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/logiflow/driftwatch/internal/dataset"
	"github.com/logiflow/driftwatch/internal/drift"
	"github.com/logiflow/driftwatch/internal/metrics"
	otelpkg "github.com/logiflow/driftwatch/pkg/otel"
)

// Loop drives the day-by-day monitoring simulation. All collaborators are
// read-only once Run starts; a single goroutine performs strictly sequential
// appends to the store.
type Loop struct {
	calc      *drift.Calculator
	store     ReportStore
	publisher Publisher // optional
	metrics   *metrics.Metrics
	pause     time.Duration
	now       func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithPublisher attaches a live report publisher.
func WithPublisher(p Publisher) Option {
	return func(l *Loop) { l.publisher = p }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithPause sets the delay between days. Zero is valid and used in tests;
// the pause simulates a production cadence, it is not a correctness
// requirement.
func WithPause(d time.Duration) Option {
	return func(l *Loop) { l.pause = d }
}

// NewLoop creates a monitoring loop over the given calculator and store.
func NewLoop(calc *drift.Calculator, store ReportStore, opts ...Option) *Loop {
	l := &Loop{
		calc:  calc,
		store: store,
		pause: 5 * time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Result summarizes one monitoring run.
type Result struct {
	TotalDays     int
	ProcessedDays int
	FailedDays    int
	Dates         []string
}

// Run iterates the current window's calendar days in ascending order. A
// failure on one day is counted and logged but never stops the loop; the
// loop ends only when every day was attempted or the context is cancelled.
func (l *Loop) Run(ctx context.Context, current *dataset.Partition) (*Result, error) {
	days := current.SplitByDay()
	res := &Result{TotalDays: len(days)}
	tracer := otel.Tracer("driftwatch/monitor")

	log.Printf("monitor: %d day(s) in current window", len(days))

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dateStr := day.Date.Format("2006-01-02")
		log.Printf("monitor: [%d/%d] processing %s (%d rows)", i+1, len(days), dateStr, day.Records.Len())

		if err := l.processDay(ctx, tracer, day); err != nil {
			res.FailedDays++
			if l.metrics != nil {
				l.metrics.DaysFailed.Inc()
			}
			log.Printf("monitor: %s failed: %v", dateStr, err)
		} else {
			res.ProcessedDays++
			res.Dates = append(res.Dates, dateStr)
			if l.metrics != nil {
				l.metrics.DaysProcessed.Inc()
			}
		}

		if l.pause > 0 && i < len(days)-1 {
			select {
			case <-time.After(l.pause):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}

	log.Printf("monitor: done, total=%d processed=%d failed=%d",
		res.TotalDays, res.ProcessedDays, res.FailedDays)
	return res, nil
}

func (l *Loop) processDay(ctx context.Context, tracer trace.Tracer, day dataset.DaySlice) error {
	ctx, span := tracer.Start(ctx, "monitor.day")
	span.SetAttributes(otelpkg.AttrMonitorDate.String(day.Date.Format("2006-01-02")))
	defer span.End()

	start := time.Now()
	report, err := l.calc.Compute(day.Records)
	if l.metrics != nil {
		l.metrics.DriftDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}

	stored := StoredReport{
		Timestamp: l.now(),
		Date:      day.Date,
		Report:    report,
	}
	if err := l.store.Save(ctx, stored); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.ReportsPersisted.Inc()
		if report.DriftedFeatures > 0 {
			l.metrics.DriftedDays.Inc()
		}
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, stored); err != nil {
			// Live publishing is best-effort; the durable write succeeded.
			log.Printf("monitor: publish failed for %s: %v", stored.Date.Format("2006-01-02"), err)
		} else if l.metrics != nil {
			l.metrics.ReportsPublished.Inc()
		}
	}
	return nil
}
