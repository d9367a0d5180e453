// Package jobs runs the maintenance and reporting jobs against the portal
// and records each run in the ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"trapper-data-collection/internal/arcgis"
	"trapper-data-collection/internal/attachments"
	"trapper-data-collection/internal/cleanup"
	"trapper-data-collection/internal/config"
	"trapper-data-collection/internal/history"
	"trapper-data-collection/internal/models"
	"trapper-data-collection/internal/ratelimit"
	"trapper-data-collection/internal/report"
	"trapper-data-collection/internal/storage"
	"trapper-data-collection/internal/traps"
)

// Job names
const (
	JobModify      = "modify"
	JobShift       = "shift"
	JobStatus      = "status"
	JobAttachments = "attachments"
	JobReport      = "report"
	JobCleanup     = "cleanup"
)

// Names lists every job the runner knows
var Names = []string{JobModify, JobShift, JobStatus, JobAttachments, JobReport, JobCleanup}

var (
	// ErrBusy is returned when another job holds the runner
	ErrBusy = errors.New("jobs: another job is running")
	// ErrUnknownJob is returned for a job name not in Names
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrDryRunUnsupported is returned when dry-run is asked of a job that
	// cannot plan without writing
	ErrDryRunUnsupported = errors.New("jobs: dry run is only supported by the attachments job")
)

// FeatureLayer is everything the jobs do with a layer or table
type FeatureLayer interface {
	attachments.Layer
}

// Layers are the layers and tables the jobs work on
type Layers struct {
	Traps      FeatureLayer
	TrapChecks FeatureLayer
	MesoGrid   FeatureLayer
	Fisher     FeatureLayer

	client *arcgis.Client
}

func (l *Layers) close() {
	if l.client != nil {
		l.client.Close()
	}
}

// Store is the archive bucket
type Store interface {
	report.ObjectStore
	UploadFile(ctx context.Context, filePath, key string) error
}

// Runner runs one job at a time
type Runner struct {
	cfg     *config.Config
	logger  *zap.Logger
	history *history.Service
	cleanup *cleanup.Service
	indexer report.PhotoIndexer

	limiter *ratelimit.RateLimiter
	breaker *arcgis.CircuitBreaker

	mu sync.Mutex

	connect   func(ctx context.Context) (*Layers, error)
	openStore func(ctx context.Context) (Store, error)
	now       func() time.Time
}

// NewRunner creates a runner. indexer may be nil.
func NewRunner(cfg *config.Config, logger *zap.Logger, hist *history.Service, cleanupSvc *cleanup.Service, indexer report.PhotoIndexer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		history: hist,
		cleanup: cleanupSvc,
		indexer: indexer,
		limiter: ratelimit.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Enabled),
		breaker: arcgis.NewCircuitBreaker(cfg.Client.BreakerThreshold, cfg.Client.GetBreakerReset()),
		now:     time.Now,
	}
	r.connect = r.connectPortal
	r.openStore = func(ctx context.Context) (Store, error) {
		return storage.New(ctx, cfg.Storage, logger)
	}
	return r
}

// Limiter returns the portal request limiter shared by all runs
func (r *Runner) Limiter() *ratelimit.RateLimiter {
	return r.limiter
}

// Busy reports whether a job is running
func (r *Runner) Busy() bool {
	if r.mu.TryLock() {
		r.mu.Unlock()
		return false
	}
	return true
}

// Run executes the named job and records it in the ledger. The run is
// returned even when the job fails.
func (r *Runner) Run(ctx context.Context, job, trigger string, dryRun bool) (*models.Run, error) {
	exec, err := r.lookup(job, dryRun)
	if err != nil {
		return nil, err
	}
	if err := r.validate(job); err != nil {
		return nil, err
	}

	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	run, err := r.history.StartRun(ctx, job, trigger, dryRun)
	if err != nil {
		return nil, err
	}
	log := r.logger.With(zap.String("job", job), zap.String("run", run.ID))
	log.Info(fmt.Sprintf("Starting %s job", job), zap.String("trigger", trigger), zap.Bool("dryRun", dryRun))

	jobErr := exec(ctx, run, log)
	if jobErr != nil {
		log.Error(fmt.Sprintf("%s job failed", job), zap.Error(jobErr))
	}
	if err := r.history.FinishRun(ctx, run, jobErr); err != nil {
		log.Error("Failed to record run result", zap.Error(err))
	}
	if jobErr == nil {
		log.Info(fmt.Sprintf("%s job finished", job),
			zap.Duration("took", run.Duration()),
			zap.Int("featuresUpdated", run.FeaturesUpdated),
			zap.Int("attachmentsRenamed", run.AttachmentsRenamed),
			zap.Int("photosArchived", run.PhotosArchived))
	}
	return run, jobErr
}

type execFunc func(ctx context.Context, run *models.Run, log *zap.Logger) error

func (r *Runner) lookup(job string, dryRun bool) (execFunc, error) {
	if dryRun && job != JobAttachments {
		return nil, ErrDryRunUnsupported
	}
	switch job {
	case JobModify:
		return r.portalJob(func(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error {
			if err := r.shift(ctx, l, run, log); err != nil {
				return err
			}
			if err := r.status(ctx, l, run, log); err != nil {
				return err
			}
			return r.renameAttachments(ctx, l, run, log)
		}), nil
	case JobShift:
		return r.portalJob(r.shift), nil
	case JobStatus:
		return r.portalJob(r.status), nil
	case JobAttachments:
		return r.portalJob(r.renameAttachments), nil
	case JobReport:
		return r.portalJob(r.report), nil
	case JobCleanup:
		return func(ctx context.Context, _ *models.Run, _ *zap.Logger) error {
			_, err := r.prune(ctx, cleanup.CleanupConfig{
				RetentionDays:    r.cfg.Cleanup.RetentionDays,
				MaxDeletionCount: r.cfg.Cleanup.MaxDeletionCount,
			})
			return err
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
}

func (r *Runner) validate(job string) error {
	switch job {
	case JobModify, JobShift, JobAttachments:
		return r.cfg.ValidateModify()
	case JobStatus:
		return r.cfg.ValidatePortal()
	case JobReport:
		return r.cfg.ValidateReport()
	}
	return nil
}

func (r *Runner) portalJob(fn func(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error) execFunc {
	return func(ctx context.Context, run *models.Run, log *zap.Logger) error {
		layers, err := r.connect(ctx)
		if err != nil {
			return err
		}
		defer layers.close()
		return fn(ctx, layers, run, log)
	}
}

func (r *Runner) connectPortal(ctx context.Context) (*Layers, error) {
	client := arcgis.New(arcgis.Options{
		PortalURL:  r.cfg.Portal.URL,
		Username:   r.cfg.Portal.Username,
		Password:   r.cfg.Portal.Password,
		Expiration: time.Duration(r.cfg.Portal.TokenExpirationMinutes) * time.Minute,
		Timeout:    r.cfg.Client.GetTimeout(),
		MaxRetries: r.cfg.Client.MaxRetries,
		RetryDelay: r.cfg.Client.GetRetryDelay(),
		PageSize:   r.cfg.Client.PageSize,
		Limiter:    r.limiter,
		Breaker:    r.breaker,
		Logger:     r.logger,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to portal: %w", err)
	}

	layers := &Layers{client: client}
	var err error
	if layers.Traps, err = client.ItemLayer(ctx, r.cfg.Items.Traps, arcgis.KindLayer, 0); err != nil {
		return nil, fmt.Errorf("failed to resolve traps layer: %w", err)
	}
	if layers.TrapChecks, err = client.ItemLayer(ctx, r.cfg.Items.Traps, arcgis.KindTable, 0); err != nil {
		return nil, fmt.Errorf("failed to resolve trap checks table: %w", err)
	}
	if r.cfg.Items.MesoGrid != "" {
		if layers.MesoGrid, err = client.ItemLayer(ctx, r.cfg.Items.MesoGrid, arcgis.KindLayer, 0); err != nil {
			return nil, fmt.Errorf("failed to resolve meso grid layer: %w", err)
		}
	}
	if r.cfg.Items.Fisher != "" {
		if layers.Fisher, err = client.ItemLayer(ctx, r.cfg.Items.Fisher, arcgis.KindLayer, 0); err != nil {
			return nil, fmt.Errorf("failed to resolve fisher layer: %w", err)
		}
	}
	return layers, nil
}

func (r *Runner) shift(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error {
	m := traps.NewMaintainer(l.Traps, l.TrapChecks, l.MesoGrid, log, r.history.Recorder(run.ID))
	n, err := m.ShiftTraps(ctx)
	run.FeaturesUpdated += n
	return err
}

func (r *Runner) status(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error {
	m := traps.NewMaintainer(l.Traps, l.TrapChecks, l.MesoGrid, log, r.history.Recorder(run.ID))
	n, err := m.UpdateTrapStatus(ctx)
	run.FeaturesUpdated += n
	return err
}

func (r *Runner) renameAttachments(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error {
	rec := attachments.NewReconciler(log, r.history.Recorder(run.ID), run.DryRun)
	steps := []struct {
		layer FeatureLayer
		coll  attachments.Collection
	}{
		{l.Traps, attachments.Traps},
		{l.TrapChecks, attachments.TrapChecks},
		{l.Fisher, attachments.Fisher},
	}
	for _, s := range steps {
		res, err := rec.Reconcile(ctx, s.layer, s.coll)
		run.AttachmentsRenamed += res.Renamed
		if !run.DryRun {
			run.FeaturesUpdated += res.RecordsUpdated
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) report(ctx context.Context, l *Layers, run *models.Run, log *zap.Logger) error {
	rc := r.cfg.Report
	sources := map[string]FeatureLayer{
		"traps":       l.Traps,
		"trap_checks": l.TrapChecks,
		"fisher":      l.Fisher,
	}
	datasets := make([]report.Dataset, 0, len(rc.Datasets))
	for _, d := range rc.Datasets {
		src, ok := sources[d.Collection]
		if !ok || src == nil {
			return fmt.Errorf("report dataset %q: unknown collection %q", d.Sheet, d.Collection)
		}
		datasets = append(datasets, report.Dataset{Sheet: d.Sheet, DateColumn: d.DateColumn, Source: src})
	}

	if err := os.MkdirAll(rc.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	name := report.FileName(rc.FilePrefix, r.now())
	path := filepath.Join(rc.OutputDir, name)

	log.Info("Creating spreadsheet report", zap.String("file", path))
	if err := report.NewExporter(rc.ColumnWidth, rc.DropColumns, log).WriteFile(ctx, datasets, path); err != nil {
		return err
	}

	store, err := r.openStore(ctx)
	if err != nil {
		return err
	}
	key := r.cfg.Storage.ReportPrefix + name
	log.Info(fmt.Sprintf("Copying %s to object storage", name), zap.String("key", key))
	if err := store.UploadFile(ctx, path, key); err != nil {
		return err
	}
	run.ReportKey = key

	var indexer report.PhotoIndexer
	if r.indexer != nil {
		indexer = runIndexer{next: r.indexer, runID: run.ID}
	}
	archiver := report.NewArchiver(store, log, r.history.Recorder(run.ID), indexer)
	archived, err := archiver.Archive(ctx, []report.Collection{
		{Name: attachments.Traps.Name, PictureField: models.FieldPicture, Source: l.Traps},
		{Name: attachments.TrapChecks.Name, PictureField: models.FieldPicture, Source: l.TrapChecks},
		{Name: attachments.Fisher.Name, PictureField: models.FieldPicture, Source: l.Fisher},
	})
	run.PhotosArchived = len(archived)
	return err
}

// Cleanup prunes the ledger with cc, holding the runner like any other job
func (r *Runner) Cleanup(ctx context.Context, cc cleanup.CleanupConfig) (*cleanup.CleanupResult, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.prune(ctx, cc)
}

func (r *Runner) prune(ctx context.Context, cc cleanup.CleanupConfig) (*cleanup.CleanupResult, error) {
	if r.cleanup == nil {
		return nil, errors.New("jobs: cleanup service not configured")
	}
	return r.cleanup.Prune(ctx, cc)
}

// runIndexer stamps photos with the run before indexing them
type runIndexer struct {
	next  report.PhotoIndexer
	runID string
}

func (i runIndexer) IndexPhotos(ctx context.Context, photos []models.ArchivedPhoto) error {
	stamped := make([]models.ArchivedPhoto, len(photos))
	for n, p := range photos {
		p.RunID = i.runID
		stamped[n] = p
	}
	return i.next.IndexPhotos(ctx, stamped)
}
