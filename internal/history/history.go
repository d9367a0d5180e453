// Package history is the local ledger of job runs, the remote edits they
// made and the photos they archived.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"trapper-data-collection/internal/models"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("history: not found")

// Service handles run ledger operations
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// StartRun records the start of a job run
func (s *Service) StartRun(ctx context.Context, job, trigger string, dryRun bool) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		Job:       job,
		Trigger:   trigger,
		Status:    models.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	return run, nil
}

// FinishRun marks the run succeeded, or failed with runErr, and saves its
// counters
func (s *Service) FinishRun(ctx context.Context, run *models.Run, runErr error) error {
	finished := s.now()
	run.FinishedAt = &finished
	run.Status = models.RunStatusSucceeded
	run.Error = ""
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}
	// a cancelled job context must not stop the run being closed
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// Recorder returns a recorder that attaches edits and photos to runID
func (s *Service) Recorder(runID string) *RunRecorder {
	return &RunRecorder{db: s.db, runID: runID}
}

// RunRecorder writes ledger rows for one run
type RunRecorder struct {
	db    *gorm.DB
	runID string
}

// RecordEdit stores one remote edit
func (r *RunRecorder) RecordEdit(ctx context.Context, edit models.EditLog) error {
	edit.ID = 0
	edit.RunID = r.runID
	return r.db.WithContext(ctx).Create(&edit).Error
}

// RecordPhoto stores one archived photo
func (r *RunRecorder) RecordPhoto(ctx context.Context, photo models.ArchivedPhoto) error {
	photo.ID = 0
	photo.RunID = r.runID
	return r.db.WithContext(ctx).Create(&photo).Error
}

// ListRuns returns the most recent runs, optionally for one job only
func (s *Service) ListRuns(ctx context.Context, job string, limit int) ([]models.Run, error) {
	var runs []models.Run
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if job != "" {
		q = q.Where("job = ?", job)
	}
	err := q.Find(&runs).Error
	return runs, err
}

// GetRun retrieves a run by id
func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunEdits returns the edits of one run in the order they were made
func (s *Service) GetRunEdits(ctx context.Context, runID string, limit int) ([]models.EditLog, error) {
	var edits []models.EditLog
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Limit(limit).Find(&edits).Error
	return edits, err
}

// GetRecentEdits returns the latest edits across all runs
func (s *Service) GetRecentEdits(ctx context.Context, limit int) ([]models.EditLog, error) {
	var edits []models.EditLog
	err := s.db.WithContext(ctx).Order("edited_at DESC, id DESC").Limit(limit).Find(&edits).Error
	return edits, err
}

// GetObjectHistory returns the edits made to one feature of a layer
func (s *Service) GetObjectHistory(ctx context.Context, layer string, objectID int64, limit int) ([]models.EditLog, error) {
	var edits []models.EditLog
	err := s.db.WithContext(ctx).
		Where("layer = ? AND object_id = ?", layer, objectID).
		Order("edited_at DESC, id DESC").
		Limit(limit).
		Find(&edits).Error
	return edits, err
}

// ListPhotos returns the most recently archived photos
func (s *Service) ListPhotos(ctx context.Context, limit int) ([]models.ArchivedPhoto, error) {
	var photos []models.ArchivedPhoto
	err := s.db.WithContext(ctx).Order("archived_at DESC, id DESC").Limit(limit).Find(&photos).Error
	return photos, err
}

// GetStats returns ledger statistics
func (s *Service) GetStats(ctx context.Context) (map[string]interface{}, error) {
	db := s.db.WithContext(ctx)
	stats := make(map[string]interface{})

	var totalRuns int64
	if err := db.Model(&models.Run{}).Count(&totalRuns).Error; err != nil {
		return nil, err
	}
	stats["total_runs"] = totalRuns

	var statusCounts []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&models.Run{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}
	byStatus := make(map[string]int64)
	for _, sc := range statusCounts {
		byStatus[sc.Status] = sc.Count
	}
	stats["runs_by_status"] = byStatus

	var recentEdits int64
	if err := db.Model(&models.EditLog{}).
		Where("edited_at >= ?", s.now().AddDate(0, 0, -30)).
		Count(&recentEdits).Error; err != nil {
		return nil, err
	}
	stats["edits_last_30_days"] = recentEdits

	var photos int64
	if err := db.Model(&models.ArchivedPhoto{}).Count(&photos).Error; err != nil {
		return nil, err
	}
	stats["photos_archived"] = photos

	var last models.Run
	err := db.Where("status = ?", models.RunStatusSucceeded).Order("started_at DESC").First(&last).Error
	switch {
	case err == nil:
		stats["last_success"] = last.StartedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	return stats, nil
}
