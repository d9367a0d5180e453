package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trapper-data-collection/internal/cleanup"
	"trapper-data-collection/internal/config"
	"trapper-data-collection/internal/database"
	"trapper-data-collection/internal/history"
	"trapper-data-collection/internal/jobs"
	"trapper-data-collection/internal/logging"
	"trapper-data-collection/internal/report"
	"trapper-data-collection/internal/search"
)

var (
	logLevel   string
	logDir     string
	configPath string

	appConfig *config.Config
	logger    *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "trapper",
	Short: "Maintenance and reporting for the trapper feature services",
	Long: `Keeps the trapper feature services tidy and reported on.

modify moves traps that asked for their coordinates to be withheld to their
meso grid cell, copies the latest trap check status onto each trap and
renames photos to the naming convention. report writes the spreadsheet,
uploads it and archives photos to object storage. serve runs both on a
schedule behind a small admin API.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "INFO",
		"Log level ("+strings.Join(logging.Levels, ", ")+")")
	rootCmd.PersistentFlags().StringVar(&logDir, "log_dir", "", "Directory for the log file (none when empty)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("CONFIG_PATH", "config/trapper.yaml"), "Path to the YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("Command failed", zap.Error(err))
			_ = logger.Sync()
		}
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	var logFile string
	logger, logFile, err = logging.New(logging.Options{
		Level:   logLevel,
		Dir:     logDir,
		Program: "trapper_" + cmd.Name(),
	})
	if err != nil {
		return err
	}
	if logFile != "" {
		logger.Info(fmt.Sprintf("Logging to %s", logFile))
	}

	appConfig, err = config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Debug("Configuration loaded", zap.String("path", configPath))
	return nil
}

// app holds the services shared by the job and serve commands
type app struct {
	db      *database.GormDB
	history *history.Service
	search  *search.SearchClient
	runner  *jobs.Runner
}

func newApp() (*app, error) {
	gdb, err := database.Open(appConfig.Database)
	if err != nil {
		return nil, err
	}
	if err := gdb.InitSchema(); err != nil {
		gdb.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a := &app{db: gdb, history: history.NewService(gdb.DB())}

	var indexer report.PhotoIndexer
	if ms := appConfig.Search.Meilisearch; ms.Host != "" {
		a.search = search.NewSearchClient(ms.Host, ms.APIKey, ms.Index)
		if err := a.search.InitIndex(); err != nil {
			logger.Warn("Failed to initialize search index", zap.Error(err))
		}
		indexer = a.search
	}

	a.runner = jobs.NewRunner(appConfig, logger, a.history, cleanup.NewService(gdb.DB(), logger), indexer)
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}

// signalContext is cancelled on interrupt so the in-flight request stops
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
