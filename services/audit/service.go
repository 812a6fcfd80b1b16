package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentsim/decisiond/models"
	"go.uber.org/zap"
)

// Service records provider outcome events to PostgreSQL for operator
// telemetry. It is optional: a nil *Service is a no-op sink.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService creates a new audit service
func NewService(db *sql.DB, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// InitSchema creates the provider_events table when missing.
func (s *Service) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS provider_events (
			id BIGSERIAL PRIMARY KEY,
			provider TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create provider_events table: %w", err)
	}
	return nil
}

// RecordOutcome inserts one provider outcome event.
func (s *Service) RecordOutcome(ctx context.Context, event models.ProviderOutcomeEvent) error {
	query := `
		INSERT INTO provider_events (provider, success, latency_ms, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.Provider, event.Success, event.Latency.Milliseconds(), event.ErrorKind, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert provider event: %w", err)
	}
	return nil
}

// ConsumeOutcome implements the balancer's OutcomeSink. The insert runs
// asynchronously so outcome reporting never waits on the database.
func (s *Service) ConsumeOutcome(event models.ProviderOutcomeEvent) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.RecordOutcome(ctx, event); err != nil {
			s.logger.Error("failed to record provider event", zap.Error(err))
		}
	}()
}

// WindowStats summarizes one provider's outcomes over a trailing window.
type WindowStats struct {
	Provider   string        `json:"provider"`
	Attempts   int           `json:"attempts"`
	Failures   int           `json:"failures"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// GetWindowStats returns attempt/failure counts and mean latency for a
// provider over the trailing window.
func (s *Service) GetWindowStats(ctx context.Context, provider string, window time.Duration) (*WindowStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(AVG(latency_ms), 0)
		FROM provider_events
		WHERE provider = $1 AND created_at >= $2
	`
	since := time.Now().Add(-window)

	stats := &WindowStats{Provider: provider}
	var avgMs float64
	err := s.db.QueryRowContext(ctx, query, provider, since).Scan(&stats.Attempts, &stats.Failures, &avgMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider events: %w", err)
	}
	stats.AvgLatency = time.Duration(avgMs) * time.Millisecond
	return stats, nil
}

// CleanupOldEvents removes events older than the retention period.
func (s *Service) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result, err := s.db.ExecContext(ctx, `DELETE FROM provider_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup provider events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("cleaned up old provider events",
		zap.Int64("rows_deleted", rows),
		zap.Time("cutoff", cutoff))
	return rows, nil
}

// StartCleanupWorker periodically removes expired events until the
// context is cancelled.
func (s *Service) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started audit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOldEvents(ctx, retention); err != nil {
				s.logger.Error("failed to cleanup provider events", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("stopping audit cleanup worker")
			return
		}
	}
}
