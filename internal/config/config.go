package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Portal    PortalConfig    `yaml:"portal"`
	Items     ItemsConfig     `yaml:"items"`
	Client    ClientConfig    `yaml:"client"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"object_storage"`
	Report    ReportConfig    `yaml:"report"`
	Database  DatabaseConfig  `yaml:"database"`
	Search    SearchConfig    `yaml:"search"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Server    ServerConfig    `yaml:"server"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

// PortalConfig contains the hosted GIS portal connection settings
type PortalConfig struct {
	URL                    string `yaml:"url"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	TokenExpirationMinutes int    `yaml:"token_expiration_minutes"`
}

// ItemsConfig holds the portal item ids of the feature services
type ItemsConfig struct {
	Traps    string `yaml:"traps"`
	MesoGrid string `yaml:"meso_grid"`
	Fisher   string `yaml:"fisher"`
}

// ClientConfig contains REST client settings
type ClientConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	MaxRetries          int `yaml:"max_retries"`
	RetryDelaySeconds   int `yaml:"retry_delay_seconds"`
	PageSize            int `yaml:"page_size"`
	BreakerThreshold    int `yaml:"breaker_threshold"`
	BreakerResetSeconds int `yaml:"breaker_reset_seconds"`
}

// RateLimitConfig contains rate limiting settings for the portal client
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerHour   int  `yaml:"requests_per_hour"`
}

// StorageConfig contains S3-compatible object storage settings
type StorageConfig struct {
	Host         string `yaml:"host"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	ReportPrefix string `yaml:"report_prefix"`
}

// ReportConfig contains spreadsheet export settings
type ReportConfig struct {
	OutputDir   string          `yaml:"output_dir"`
	FilePrefix  string          `yaml:"file_prefix"`
	ColumnWidth float64         `yaml:"column_width"`
	DropColumns []string        `yaml:"drop_columns"`
	Datasets    []DatasetConfig `yaml:"datasets"`
}

// DatasetConfig names one sheet of the report
type DatasetConfig struct {
	Sheet      string `yaml:"sheet"`
	Collection string `yaml:"collection"` // traps, trap_checks, fisher
	DateColumn string `yaml:"date_column"`
}

// DatabaseConfig contains run ledger database settings
type DatabaseConfig struct {
	Type     string         `yaml:"type"` // sqlite, mysql, postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MySQLConfig contains MySQL connection settings
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// SearchConfig contains search engine settings
type SearchConfig struct {
	Meilisearch MeilisearchConfig `yaml:"meilisearch"`
}

// MeilisearchConfig contains Meilisearch connection settings.
// An empty host disables the photo catalog.
type MeilisearchConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Index  string `yaml:"index"`
}

// ScheduleConfig holds cron specs for serve mode
type ScheduleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Modify   string `yaml:"modify"`
	Report   string `yaml:"report"`
	Cleanup  string `yaml:"cleanup"`
	Timezone string `yaml:"timezone"`
}

// ServerConfig contains admin API settings
type ServerConfig struct {
	Port         string   `yaml:"port"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// CleanupConfig contains ledger retention settings
type CleanupConfig struct {
	RetentionDays    int `yaml:"retention_days"`
	MaxDeletionCount int `yaml:"max_deletion_count"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			TokenExpirationMinutes: 9999,
		},
		Client: ClientConfig{
			TimeoutSeconds:      60,
			MaxRetries:          3,
			RetryDelaySeconds:   2,
			PageSize:            1000,
			BreakerThreshold:    5,
			BreakerResetSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			RequestsPerHour:   5000,
		},
		Storage: StorageConfig{
			Bucket:       "rcbgss",
			Region:       "us-east-1",
			ReportPrefix: "reports/",
		},
		Report: ReportConfig{
			OutputDir:   os.TempDir(),
			FilePrefix:  "trapper_report",
			ColumnWidth: 25,
			DropColumns: []string{
				"OBJECTID", "GlobalID", "CreationDate", "Creator",
				"EditDate", "Editor", "Shape__Area", "Shape__Length",
			},
			Datasets: []DatasetConfig{
				{Sheet: "Traps", Collection: "traps", DateColumn: "SET_DATE"},
				{Sheet: "Trap Checks", Collection: "trap_checks", DateColumn: "CHECK_DATE"},
				{Sheet: "Fisher", Collection: "fisher", DateColumn: "OBSERVATION_DATE"},
			},
		},
		Database: DatabaseConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "trapper.db"},
		},
		Search: SearchConfig{
			Meilisearch: MeilisearchConfig{Index: "photos"},
		},
		Schedule: ScheduleConfig{
			Enabled: true,
			Modify:  "0 2 * * *",
			Report:  "0 6 * * 1",
			Cleanup: "30 3 * * 0",
		},
		Server: ServerConfig{
			AllowOrigins: []string{"http://localhost:5176"},
		},
		Cleanup: CleanupConfig{
			RetentionDays:    180,
			MaxDeletionCount: 10000,
		},
	}
}

// LoadConfig loads configuration from a YAML file, then fills credentials
// and hosts from the environment where the file left them empty.
func LoadConfig(filepath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := DefaultConfig()

	if filepath != "" {
		data, err := os.ReadFile(filepath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	c.Portal.URL = getEnvOrConfig(c.Portal.URL, "MAPHUB", "https://www.arcgis.com")
	c.Portal.Username = getEnvOrConfig(c.Portal.Username, "AGO_USER", "")
	c.Portal.Password = getEnvOrConfig(c.Portal.Password, "AGO_PASS", "")
	c.Items.Traps = getEnvOrConfig(c.Items.Traps, "TRAPS", "")
	c.Items.MesoGrid = getEnvOrConfig(c.Items.MesoGrid, "MESO_GRID", "")
	c.Items.Fisher = getEnvOrConfig(c.Items.Fisher, "FISHER", "")
	c.Storage.AccessKey = getEnvOrConfig(c.Storage.AccessKey, "OBJ_STORE_USER", "")
	c.Storage.SecretKey = getEnvOrConfig(c.Storage.SecretKey, "OBJ_STORE_SECRET", "")
	c.Storage.Host = getEnvOrConfig(c.Storage.Host, "OBJ_STORE_HOST", "")
	c.Search.Meilisearch.Host = getEnvOrConfig(c.Search.Meilisearch.Host, "MEILISEARCH_HOST", "")
	c.Search.Meilisearch.APIKey = getEnvOrConfig(c.Search.Meilisearch.APIKey, "MEILISEARCH_KEY", "")
	c.Server.Port = getEnvOrConfig(c.Server.Port, "PORT", "8084")
}

// ValidatePortal reports missing settings needed to talk to the portal
func (c *Config) ValidatePortal() error {
	var missing []string
	if c.Portal.URL == "" {
		missing = append(missing, "portal.url")
	}
	if c.Portal.Username == "" {
		missing = append(missing, "portal.username (AGO_USER)")
	}
	if c.Portal.Password == "" {
		missing = append(missing, "portal.password (AGO_PASS)")
	}
	if c.Items.Traps == "" {
		missing = append(missing, "items.traps")
	}
	return missingErr(missing)
}

// ValidateModify reports missing settings for the modification job
func (c *Config) ValidateModify() error {
	if err := c.ValidatePortal(); err != nil {
		return err
	}
	var missing []string
	if c.Items.MesoGrid == "" {
		missing = append(missing, "items.meso_grid")
	}
	if c.Items.Fisher == "" {
		missing = append(missing, "items.fisher")
	}
	return missingErr(missing)
}

// ValidateReport reports missing settings for the reporting job
func (c *Config) ValidateReport() error {
	if err := c.ValidatePortal(); err != nil {
		return err
	}
	var missing []string
	if c.Items.Fisher == "" {
		missing = append(missing, "items.fisher")
	}
	if c.Storage.Host == "" {
		missing = append(missing, "object_storage.host (OBJ_STORE_HOST)")
	}
	if c.Storage.AccessKey == "" {
		missing = append(missing, "object_storage.access_key (OBJ_STORE_USER)")
	}
	if c.Storage.SecretKey == "" {
		missing = append(missing, "object_storage.secret_key (OBJ_STORE_SECRET)")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "object_storage.bucket")
	}
	return missingErr(missing)
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %v", missing)
}

// GetTimeout returns the request timeout as a duration
func (c *ClientConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetRetryDelay returns the retry delay as a duration
func (c *ClientConfig) GetRetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// GetBreakerReset returns the circuit breaker reset timeout as a duration
func (c *ClientConfig) GetBreakerReset() time.Duration {
	return time.Duration(c.BreakerResetSeconds) * time.Second
}

func getEnvOrConfig(configValue, envKey, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return defaultValue
}
