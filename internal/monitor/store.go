package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/logiflow/driftwatch/internal/drift"
)

// StoredReport is one persisted monitoring cycle: the drift report keyed by
// the evaluation date and the wall-clock time of computation.
type StoredReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Date      time.Time     `json:"date"`
	Report    *drift.Report `json:"report"`
}

// ReportStore receives strictly sequential appends from one monitoring loop.
type ReportStore interface {
	// Save appends one report. Append-only; reports are never updated.
	Save(ctx context.Context, r StoredReport) error

	// Close releases resources.
	Close() error
}

// MemoryStore keeps reports in memory. Used for tests and offline runs.
type MemoryStore struct {
	mu      sync.Mutex
	reports []StoredReport
}

// NewMemoryStore creates an in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(ctx context.Context, r StoredReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

// Reports returns a copy of everything saved so far.
func (m *MemoryStore) Reports() []StoredReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredReport, len(m.reports))
	copy(out, m.reports)
	return out
}

func (m *MemoryStore) Close() error { return nil }

// PostgresStore persists reports to the monitoring_metrics table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the metrics table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS monitoring_metrics (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			date DATE NOT NULL,
			column_drift_score NUMERIC,
			dataset_drift_score NUMERIC,
			missing_values_share NUMERIC,
			prediction_drift_score NUMERIC,
			metric_details JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create monitoring_metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r StoredReport) error {
	details, err := json.Marshal(r.Report.FeatureScores)
	if err != nil {
		return fmt.Errorf("marshal feature scores: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO monitoring_metrics (
			timestamp, date, column_drift_score, dataset_drift_score,
			missing_values_share, prediction_drift_score, metric_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		r.Timestamp,
		r.Date,
		r.Report.ColumnDriftScore,
		r.Report.DatasetDriftScore,
		r.Report.MissingValuesShare,
		r.Report.PredictionDriftScore,
		details,
	)
	if err != nil {
		return fmt.Errorf("insert monitoring_metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Publisher pushes reports to a live channel alongside durable persistence.
// Publish failures are best-effort by contract: the loop logs and proceeds.
type Publisher interface {
	Publish(ctx context.Context, r StoredReport) error
	Close() error
}

// RedisPublisher publishes each report on a channel and caches the latest
// report under a key with TTL, for dashboards that poll instead of subscribe.
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	latestKey string
	ttl       time.Duration
}

// NewRedisPublisher connects to Redis at addr.
func NewRedisPublisher(ctx context.Context, addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{
		client:    client,
		channel:   "driftwatch:reports",
		latestKey: "driftwatch:reports:latest",
		ttl:       24 * time.Hour,
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, r StoredReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if err := p.client.Set(ctx, p.latestKey, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set latest: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
