package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the batch allocator.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	API     APIConfig     `yaml:"api"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Metrics MetricsConfig `yaml:"metrics"`
	Run     RunConfig     `yaml:"run"`
	Budgets BudgetConfig  `yaml:"budgets"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// APIConfig configures the remote order service client.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	TelemetryEnabled  bool   `yaml:"telemetry_enabled"`
	TelemetryDir      string `yaml:"telemetry_dir"`
	TelemetryCompress bool   `yaml:"telemetry_compress"`
}

// MirrorConfig configures the SQL Server snapshot mirror.
type MirrorConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "local" | "s3" | "gcs"
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type RunConfig struct {
	Workers int `yaml:"workers"`
}

// BudgetConfig carries every retry budget and poll interval the allocator
// uses. Defaults reproduce production timing; tests shrink them to keep the
// suite fast.
type BudgetConfig struct {
	// Cleanup of pre-existing remote orders (deallocate, then delete).
	CleanupAttempts int           `yaml:"cleanup_attempts"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Grace window after a 504/network failure on create.
	CreateGraceWindow   time.Duration `yaml:"create_grace_window"`
	CreateGraceInterval time.Duration `yaml:"create_grace_interval"`

	// Pre-wait before assignment when the order is not yet visible.
	AssignPrewait         time.Duration `yaml:"assign_prewait"`
	AssignPrewaitInterval time.Duration `yaml:"assign_prewait_interval"`

	// Work-order-line visibility poll.
	LinePollAttempts int           `yaml:"line_poll_attempts"`
	LinePollInterval time.Duration `yaml:"line_poll_interval"`

	// Batch container creation poll.
	BatchCreateAttempts int           `yaml:"batch_create_attempts"`
	BatchCreateInterval time.Duration `yaml:"batch_create_interval"`

	// Per-line assignment attempts and the pauses around them.
	LineAssignAttempts int           `yaml:"line_assign_attempts"`
	LineAssignPause    time.Duration `yaml:"line_assign_pause"`
	LineRefetchSettle  time.Duration `yaml:"line_refetch_settle"`

	// Final visibility wait before the tail create retry.
	TailCreateWait     time.Duration `yaml:"tail_create_wait"`
	TailCreateInterval time.Duration `yaml:"tail_create_interval"`
}

// DefaultBudgets returns the production retry/poll budgets.
func DefaultBudgets() BudgetConfig {
	return BudgetConfig{
		CleanupAttempts:       60,
		CleanupInterval:       time.Second,
		CreateGraceWindow:     6 * time.Second,
		CreateGraceInterval:   750 * time.Millisecond,
		AssignPrewait:         4 * time.Second,
		AssignPrewaitInterval: 500 * time.Millisecond,
		LinePollAttempts:      3,
		LinePollInterval:      500 * time.Millisecond,
		BatchCreateAttempts:   60,
		BatchCreateInterval:   7 * time.Second,
		LineAssignAttempts:    2,
		LineAssignPause:       time.Second,
		LineRefetchSettle:     200 * time.Millisecond,
		TailCreateWait:        20 * time.Second,
		TailCreateInterval:    1500 * time.Millisecond,
	}
}

// Load builds the configuration from the environment, with optional YAML
// overrides from the given path (or ALLOCATOR_CONFIG when path is empty).
// A .env file in the working directory is honored.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DataDir: getenvDefault("DATA_DIR", "./data"),
		Logging: LoggingConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		API: APIConfig{
			BaseURL:           os.Getenv("ORDER_API_URL"),
			Token:             os.Getenv("ORDER_API_TOKEN"),
			RequestTimeout:    parseDuration(getenvDefault("ORDER_API_TIMEOUT", "300s")),
			TelemetryEnabled:  parseBool(getenvDefault("TELEMETRY_ENABLED", "true")),
			TelemetryDir:      getenvDefault("TELEMETRY_DIR", "./logs"),
			TelemetryCompress: parseBool(getenvDefault("TELEMETRY_COMPRESS", "false")),
		},
		Mirror: MirrorConfig{
			Host:     os.Getenv("MIRROR_HOST"),
			Port:     getenvDefault("MIRROR_PORT", "1433"),
			User:     os.Getenv("MIRROR_USER"),
			Password: os.Getenv("MIRROR_PASSWORD"),
			Database: os.Getenv("MIRROR_DB"),
		},
		Storage: StorageConfig{
			Backend:  getenvDefault("STORAGE_BACKEND", "local"),
			LocalDir: getenvDefault("STORAGE_LOCAL_DIR", "./data"),
			Bucket:   os.Getenv("STORAGE_BUCKET"),
			Prefix:   os.Getenv("STORAGE_PREFIX"),
			Region:   os.Getenv("STORAGE_REGION"),
			Endpoint: os.Getenv("STORAGE_ENDPOINT"),
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.Getenv("CATALOG_DSN"),
			Namespace:   getenvDefault("CATALOG_NAMESPACE", "warehouse"),
		},
		Metrics: MetricsConfig{
			Enabled: parseBool(getenvDefault("METRICS_ENABLED", "false")),
			Address: getenvDefault("METRICS_ADDRESS", ":9090"),
		},
		Run: RunConfig{
			Workers: parseInt(getenvDefault("WORKER_COUNT", "5")),
		},
		Budgets: DefaultBudgets(),
	}

	if path == "" {
		path = os.Getenv("ALLOCATOR_CONFIG")
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.Run.Workers < 1 {
		cfg.Run.Workers = 1
	}
	return cfg, nil
}

// applyFile overlays YAML values from path onto cfg.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseInt(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func parseDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
