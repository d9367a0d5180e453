package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trapper-data-collection/internal/cleanup"
	"trapper-data-collection/internal/history"
	"trapper-data-collection/internal/jobs"
	"trapper-data-collection/internal/models"
	"trapper-data-collection/internal/ratelimit"
	"trapper-data-collection/internal/scheduler"
	"trapper-data-collection/internal/search"
)

// JobRunner runs jobs on request
type JobRunner interface {
	Run(ctx context.Context, job, trigger string, dryRun bool) (*models.Run, error)
	Cleanup(ctx context.Context, cc cleanup.CleanupConfig) (*cleanup.CleanupResult, error)
	Busy() bool
	Limiter() *ratelimit.RateLimiter
}

// PhotoSearcher queries the photo catalog
type PhotoSearcher interface {
	Search(ctx context.Context, req search.SearchRequest) (*search.SearchResult, error)
}

// AdminHandler handles admin-related requests
type AdminHandler struct {
	ctx       context.Context
	history   *history.Service
	runner    JobRunner
	search    PhotoSearcher
	scheduler *scheduler.Scheduler
	cleanup   cleanup.CleanupConfig
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler. Jobs started through the API
// run under ctx. searcher and sched may be nil.
func NewAdminHandler(ctx context.Context, hist *history.Service, runner JobRunner, searcher PhotoSearcher,
	sched *scheduler.Scheduler, cleanupDefaults cleanup.CleanupConfig, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		ctx:       ctx,
		history:   hist,
		runner:    runner,
		search:    searcher,
		scheduler: sched,
		cleanup:   cleanupDefaults,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin API on r
func (h *AdminHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.GET("/stats", h.GetStats)

		api.GET("/runs", h.ListRuns)
		api.GET("/runs/:id", h.GetRun)
		api.GET("/runs/:id/edits", h.GetRunEdits)
		api.GET("/edits/recent", h.GetRecentEdits)
		api.GET("/layers/:layer/objects/:oid/edits", h.GetObjectHistory)

		api.GET("/photos", h.ListPhotos)
		api.GET("/photos/search", h.SearchPhotos)

		api.POST("/jobs/:name/run", h.TriggerJob)
		api.GET("/schedule", h.GetSchedule)
		api.POST("/cleanup/run", h.RunCleanup)

		api.GET("/ratelimit/stats", h.GetRateLimitStats)
	}
}

// Health reports liveness and whether a job is running
func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"busy":   h.runner.Busy(),
		"time":   time.Now(),
	})
}

// GetStats returns ledger statistics
func (h *AdminHandler) GetStats(c *gin.Context) {
	stats, err := h.history.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListRuns returns recent runs, optionally filtered by job
func (h *AdminHandler) ListRuns(c *gin.Context) {
	limit := queryLimit(c, 50)
	runs, err := h.history.ListRuns(c.Request.Context(), c.Query("job"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns one run
func (h *AdminHandler) GetRun(c *gin.Context) {
	run, err := h.history.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunEdits returns the edits made by one run
func (h *AdminHandler) GetRunEdits(c *gin.Context) {
	runID := c.Param("id")
	edits, err := h.history.GetRunEdits(c.Request.Context(), runID, queryLimit(c, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"edits":  edits,
		"count":  len(edits),
	})
}

// GetRecentEdits returns the latest edits across runs
func (h *AdminHandler) GetRecentEdits(c *gin.Context) {
	edits, err := h.history.GetRecentEdits(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"edits": edits,
		"count": len(edits),
	})
}

// GetObjectHistory returns the edits made to one feature
func (h *AdminHandler) GetObjectHistory(c *gin.Context) {
	layer := c.Param("layer")
	oid, err := strconv.ParseInt(c.Param("oid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object id"})
		return
	}

	edits, err := h.history.GetObjectHistory(c.Request.Context(), layer, oid, queryLimit(c, 30))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"layer":     layer,
		"object_id": oid,
		"edits":     edits,
		"count":     len(edits),
	})
}

// ListPhotos returns recently archived photos from the ledger
func (h *AdminHandler) ListPhotos(c *gin.Context) {
	photos, err := h.history.ListPhotos(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"photos": photos,
		"count":  len(photos),
	})
}

// SearchPhotos queries the photo catalog
func (h *AdminHandler) SearchPhotos(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Photo search is not available (meilisearch not configured)",
		})
		return
	}

	res, err := h.search.Search(c.Request.Context(), search.SearchRequest{
		Query: c.Query("q"),
		Layer: c.Query("layer"),
		RunID: c.Query("run_id"),
		Limit: int64(queryLimit(c, 20)),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// TriggerJob starts a job in the background
func (h *AdminHandler) TriggerJob(c *gin.Context) {
	name := c.Param("name")
	if !knownJob(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown job", "jobs": jobs.Names})
		return
	}
	dryRun, _ := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	if dryRun && name != jobs.JobAttachments {
		c.JSON(http.StatusBadRequest, gin.H{"error": jobs.ErrDryRunUnsupported.Error()})
		return
	}
	if h.runner.Busy() {
		c.JSON(http.StatusConflict, gin.H{"error": jobs.ErrBusy.Error()})
		return
	}

	h.logger.Info("Admin: job trigger requested", zap.String("job", name), zap.Bool("dryRun", dryRun))

	// Run in goroutine to avoid blocking
	go func() {
		if _, err := h.runner.Run(h.ctx, name, models.TriggerAPI, dryRun); err != nil {
			h.logger.Error("Admin: triggered job failed", zap.String("job", name), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Job started",
		"job":     name,
		"dry_run": dryRun,
		"status":  "running",
	})
}

// GetSchedule returns the scheduled jobs
func (h *AdminHandler) GetSchedule(c *gin.Context) {
	var entries []scheduler.Entry
	if h.scheduler != nil {
		entries = h.scheduler.Entries()
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// RunCleanup prunes old runs from the ledger
func (h *AdminHandler) RunCleanup(c *gin.Context) {
	var req struct {
		RetentionDays    int   `json:"retention_days"`
		MaxDeletionCount int   `json:"max_deletion_count"`
		DryRun           *bool `json:"dry_run"` // default: true
	}

	// an empty body keeps the configured defaults
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cc := h.cleanup
	if req.RetentionDays > 0 {
		cc.RetentionDays = req.RetentionDays
	}
	if req.MaxDeletionCount > 0 {
		cc.MaxDeletionCount = req.MaxDeletionCount
	}
	cc.DryRun = req.DryRun == nil || *req.DryRun

	h.logger.Info("Admin: running cleanup",
		zap.Int("retentionDays", cc.RetentionDays),
		zap.Int("maxDeletionCount", cc.MaxDeletionCount),
		zap.Bool("dryRun", cc.DryRun))

	result, err := h.runner.Cleanup(c.Request.Context(), cc)
	if errors.Is(err, jobs.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetRateLimitStats returns portal request limiter statistics
func (h *AdminHandler) GetRateLimitStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Limiter().GetStats())
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func knownJob(name string) bool {
	for _, n := range jobs.Names {
		if n == name {
			return true
		}
	}
	return false
}
