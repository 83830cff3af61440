package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogEntry records one served prediction for offline analysis. The feature
// vector is kept so prediction drift can later be recomputed against it.
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ModelVersion string    `json:"model_version"`
	Features     []float64 `json:"features"`
	Probability  float64   `json:"probability"`
	Prediction   int       `json:"prediction"`
}

// LogStore persists serving logs. Logging is best effort; a failing store
// must never fail the prediction request.
type LogStore interface {
	Log(ctx context.Context, e LogEntry) error
	Close() error
}

// MemoryLogStore keeps serving logs in memory.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (s *MemoryLogStore) Log(_ context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of all logged entries.
func (s *MemoryLogStore) Entries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemoryLogStore) Close() error { return nil }

// PostgresLogStore writes serving logs to the serving_logs table.
type PostgresLogStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLogStore(ctx context.Context, connString string) (*PostgresLogStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresLogStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresLogStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS serving_logs (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			model_version TEXT NOT NULL,
			features JSONB NOT NULL,
			probability NUMERIC NOT NULL,
			prediction INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create serving_logs table: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) Log(ctx context.Context, e LogEntry) error {
	features, err := json.Marshal(e.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO serving_logs (timestamp, model_version, features, probability, prediction)
		VALUES ($1, $2, $3, $4, $5)`,
		e.Timestamp, e.ModelVersion, features, e.Probability, e.Prediction)
	if err != nil {
		return fmt.Errorf("insert serving log: %w", err)
	}
	return nil
}

func (s *PostgresLogStore) Close() error {
	s.pool.Close()
	return nil
}
