// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and backup staging (always absolute)
	LogLevel string
	Pretty   bool // Pretty console logging
	Port     int
	Host     string

	// DefaultInitialCash seeds portfolios created without an explicit balance
	DefaultInitialCash decimal.Decimal

	Transactions TransactionLimits
	Positions    PositionLimits
	Metrics      MetricsConfig
	Schedules    ScheduleConfig
	Backup       BackupConfig
	PriceFeed    PriceFeedConfig
}

// TransactionLimits bound what the transaction pipeline accepts
type TransactionLimits struct {
	MinAmount         decimal.Decimal // Minimum transaction value (price × quantity)
	MaxAmount         decimal.Decimal // Maximum transaction value
	MaxCommissionRate decimal.Decimal // Commission ceiling as a fraction of transaction value
}

// PositionLimits bound the open position set
type PositionLimits struct {
	MaxOpenPositions int
	MinPositionValue decimal.Decimal
	MaxPositionValue decimal.Decimal
	PriceJumpRatio   decimal.Decimal // Price moves beyond this ratio are logged as data-quality warnings
	CloseTolerance   decimal.Decimal // Net quantity at or below this is treated as flat
}

// MetricsConfig controls the snapshot series and analytics cache
type MetricsConfig struct {
	MaxSnapshots   int           // Bounded series length, oldest evicted first
	CacheTTL       time.Duration // Performance cache lifetime
	RiskFreeRate   float64       // Annual, as decimal (0.02 = 2%)
	PeriodsPerYear int           // Trading periods per year for annualization
}

// ScheduleConfig holds cron expressions for background jobs.
// Expressions use six fields, with a leading seconds column.
type ScheduleConfig struct {
	SnapshotCron    string
	MaintenanceCron string
	BackupCron      string
}

// BackupConfig holds S3-compatible backup storage settings
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // Custom endpoint for S3-compatible stores (R2, MinIO); empty = AWS
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// PriceFeedConfig holds the market-data websocket settings
type PriceFeedConfig struct {
	Enabled bool
	URL     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it exists
	dataDir := getEnv("ENGINE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Pretty:             getEnvAsBool("LOG_PRETTY", false),
		Port:               getEnvAsInt("PORT", 8090),
		Host:               getEnv("HOST", "0.0.0.0"),
		DefaultInitialCash: getEnvAsDecimal("DEFAULT_INITIAL_CASH", "100000"),
		Transactions: TransactionLimits{
			MinAmount:         getEnvAsDecimal("TX_MIN_AMOUNT", "1"),
			MaxAmount:         getEnvAsDecimal("TX_MAX_AMOUNT", "10000000"),
			MaxCommissionRate: getEnvAsDecimal("TX_MAX_COMMISSION_RATE", "0.05"),
		},
		Positions: PositionLimits{
			MaxOpenPositions: getEnvAsInt("POSITION_MAX_OPEN", 50),
			MinPositionValue: getEnvAsDecimal("POSITION_MIN_VALUE", "1"),
			MaxPositionValue: getEnvAsDecimal("POSITION_MAX_VALUE", "10000000"),
			PriceJumpRatio:   getEnvAsDecimal("POSITION_PRICE_JUMP_RATIO", "0.5"),
			CloseTolerance:   getEnvAsDecimal("POSITION_CLOSE_TOLERANCE", "0.00000001"),
		},
		Metrics: MetricsConfig{
			MaxSnapshots:   getEnvAsInt("METRICS_MAX_SNAPSHOTS", 10000),
			CacheTTL:       time.Duration(getEnvAsInt("METRICS_CACHE_TTL_SECONDS", 60)) * time.Second,
			RiskFreeRate:   getEnvAsFloat("METRICS_RISK_FREE_RATE", 0.02),
			PeriodsPerYear: getEnvAsInt("METRICS_PERIODS_PER_YEAR", 252),
		},
		Schedules: ScheduleConfig{
			SnapshotCron:    getEnv("SNAPSHOT_CRON", "0 */15 * * * *"),
			MaintenanceCron: getEnv("MAINTENANCE_CRON", "0 0 2 * * *"),
			BackupCron:      getEnv("BACKUP_CRON", "0 30 2 * * *"),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
		PriceFeed: PriceFeedConfig{
			Enabled: getEnvAsBool("PRICE_FEED_ENABLED", false),
			URL:     getEnv("PRICE_FEED_URL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.DefaultInitialCash.IsNegative() {
		return fmt.Errorf("default initial cash cannot be negative")
	}

	if c.Transactions.MinAmount.GreaterThan(c.Transactions.MaxAmount) {
		return fmt.Errorf("transaction min amount %s exceeds max amount %s",
			c.Transactions.MinAmount, c.Transactions.MaxAmount)
	}

	if c.Transactions.MaxCommissionRate.IsNegative() {
		return fmt.Errorf("max commission rate cannot be negative")
	}

	if c.Positions.MaxOpenPositions <= 0 {
		return fmt.Errorf("max open positions must be positive")
	}

	if c.Positions.MinPositionValue.GreaterThan(c.Positions.MaxPositionValue) {
		return fmt.Errorf("position min value %s exceeds max value %s",
			c.Positions.MinPositionValue, c.Positions.MaxPositionValue)
	}

	if c.Positions.CloseTolerance.IsNegative() {
		return fmt.Errorf("close tolerance cannot be negative")
	}

	if c.Metrics.MaxSnapshots < 2 {
		return fmt.Errorf("metrics max snapshots must be at least 2")
	}

	if c.Metrics.PeriodsPerYear <= 0 {
		return fmt.Errorf("metrics periods per year must be positive")
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but no bucket configured")
	}

	if c.PriceFeed.Enabled && c.PriceFeed.URL == "" {
		return fmt.Errorf("price feed enabled but no URL configured")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
