package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionSweeper purges soft-deleted records, and their orphaned
// embeddings, once they have been inactive longer than the retention
// window. Active records are never touched.
type RetentionSweeper struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewRetentionSweeper schedules a purge of old soft-deleted records.
// schedule is a standard five-field cron expression.
func NewRetentionSweeper(store *Store, schedule string, retentionDays int, logger zerolog.Logger) (*RetentionSweeper, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	s := &RetentionSweeper{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		cron:      cron.New(),
		logger:    logger,
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}

	return s, nil
}

// Start begins running scheduled sweeps
func (s *RetentionSweeper) Start() {
	s.cron.Start()
	s.logger.Info().
		Dur("retention", s.retention).
		Msg("Retention sweeper started")
}

// Stop stops the scheduler; a sweep already running finishes
func (s *RetentionSweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep deletes soft-deleted records older than the retention window
func (s *RetentionSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()

	rows, err := s.store.db.QueryContext(ctx, `
		SELECT id FROM memories WHERE is_active = 0 AND updated_at < ?
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find expired memories: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	for _, id := range expired {
		if s.store.provider != nil {
			if _, err := s.store.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, id); err != nil {
				return fmt.Errorf("failed to purge embedding for %s: %w", id, err)
			}
		}
		if _, err := s.store.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to purge memory %s: %w", id, err)
		}
	}

	s.logger.Info().Int("purged", len(expired)).Msg("Retention sweep completed")
	return nil
}
