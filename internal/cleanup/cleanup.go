// Package cleanup prunes old runs from the local ledger.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trapper-data-collection/internal/models"
)

// Service handles deletion of expired ledger rows
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new cleanup service
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger, now: time.Now}
}

// CleanupConfig holds configuration for cleanup operations
type CleanupConfig struct {
	RetentionDays    int  // Days to keep finished runs
	MaxDeletionCount int  // Abort when more runs than this are expired
	DryRun           bool // Only report what would be deleted
}

// DefaultCleanupConfig returns default configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		RetentionDays:    180,
		MaxDeletionCount: 10000,
	}
}

// CleanupResult holds the result of a cleanup operation
type CleanupResult struct {
	TargetCount   int       `json:"target_count"`
	DeletedCount  int       `json:"deleted_count"`
	EditsDeleted  int64     `json:"edits_deleted"`
	PhotosDeleted int64     `json:"photos_deleted"`
	ErrorCount    int       `json:"error_count"`
	DryRun        bool      `json:"dry_run"`
	ExecutedAt    time.Time `json:"executed_at"`
	DeletedRuns   []string  `json:"deleted_runs"`
	Errors        []string  `json:"errors,omitempty"`
}

// FindExpiredRuns finds finished runs started before the retention window.
// Runs still marked running are never expired.
func (s *Service) FindExpiredRuns(ctx context.Context, retentionDays int) ([]models.Run, error) {
	var runs []models.Run

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	err := s.db.WithContext(ctx).
		Where("status <> ? AND started_at < ?", models.RunStatusRunning, cutoff).
		Order("started_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired runs: %w", err)
	}

	s.logger.Debug("Expired runs", zap.Int("count", len(runs)), zap.String("cutoff", cutoff.Format("2006-01-02")))
	return runs, nil
}

// Prune deletes expired runs together with their edits and photo records.
// Each run is removed in its own transaction.
func (s *Service) Prune(ctx context.Context, config CleanupConfig) (*CleanupResult, error) {
	result := &CleanupResult{
		DryRun:     config.DryRun,
		ExecutedAt: s.now().UTC(),
	}

	expired, err := s.FindExpiredRuns(ctx, config.RetentionDays)
	if err != nil {
		return nil, err
	}

	result.TargetCount = len(expired)
	if result.TargetCount == 0 {
		s.logger.Info("No expired runs found for deletion")
		return result, nil
	}

	if config.MaxDeletionCount > 0 && result.TargetCount > config.MaxDeletionCount {
		return nil, fmt.Errorf("safety check failed: %d runs exceed max deletion limit of %d",
			result.TargetCount, config.MaxDeletionCount)
	}

	s.logger.Info(fmt.Sprintf("Starting cleanup: %d runs to delete", result.TargetCount),
		zap.Int("retention_days", config.RetentionDays), zap.Bool("dry_run", config.DryRun))

	for _, run := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if config.DryRun {
			s.logger.Info(fmt.Sprintf("[DRY-RUN] Would delete run %s (%s, %s)",
				run.ID, run.Job, run.StartedAt.Format("2006-01-02")))
			result.DeletedRuns = append(result.DeletedRuns, run.ID)
			result.DeletedCount++
			continue
		}

		var edits, photos int64
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where("run_id = ?", run.ID).Delete(&models.EditLog{})
			if res.Error != nil {
				return fmt.Errorf("delete edits: %w", res.Error)
			}
			edits = res.RowsAffected

			res = tx.Where("run_id = ?", run.ID).Delete(&models.ArchivedPhoto{})
			if res.Error != nil {
				return fmt.Errorf("delete photos: %w", res.Error)
			}
			photos = res.RowsAffected

			return tx.Delete(&models.Run{}, "id = ?", run.ID).Error
		})
		if err != nil {
			errMsg := fmt.Sprintf("Failed to delete run %s: %v", run.ID, err)
			s.logger.Error(errMsg)
			result.Errors = append(result.Errors, errMsg)
			result.ErrorCount++
			continue
		}

		result.DeletedRuns = append(result.DeletedRuns, run.ID)
		result.DeletedCount++
		result.EditsDeleted += edits
		result.PhotosDeleted += photos
	}

	s.logger.Info(fmt.Sprintf("Cleanup completed: %d/%d deleted, %d errors",
		result.DeletedCount, result.TargetCount, result.ErrorCount), zap.Bool("dry_run", config.DryRun))

	return result, nil
}
