package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dimagi/casecore/internal/domain"
)

const envPrefix = "CASECORE"

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Supported blob backends
const (
	BlobBackendMemory = "memory"
	BlobBackendS3     = "s3"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`  // e.g. "5m", "1h"
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"` // e.g. "10m"
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	StreamName     string        `mapstructure:"stream_name"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ConsumerName   string        `mapstructure:"consumer_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
}

// TemporalConfig holds Temporal configuration
type TemporalConfig struct {
	HostPort                           string  `mapstructure:"host_port"`
	Namespace                          string  `mapstructure:"namespace"`
	TaskQueue                          string  `mapstructure:"task_queue"`
	MaxConcurrentActivityExecutionSize int     `mapstructure:"max_concurrent_activity_execution_size"`
	WorkerActivitiesPerSecond          float64 `mapstructure:"worker_activities_per_second"`
	MaxConcurrentActivityTaskPollers   int     `mapstructure:"max_concurrent_activity_task_pollers"`
}

// BlobConfig holds attachment storage configuration
type BlobConfig struct {
	Backend      string `mapstructure:"backend"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// PoolConfig holds worker pool sizing
type PoolConfig struct {
	Size      int `mapstructure:"pool_size"`
	QueueSize int `mapstructure:"queue_size"`
}

// EngineConfig holds the materialization engine tunables
type EngineConfig struct {
	RebuildTimeout           time.Duration `mapstructure:"rebuild_timeout"`
	NegativeBalancePolicy    string        `mapstructure:"negative_balance_policy"`
	ConsumptionMinWindowDays int           `mapstructure:"consumption_min_window_days"`
	ConsumptionMaxWindowDays int           `mapstructure:"consumption_max_window_days"`
	Intake                   PoolConfig    `mapstructure:"intake"`
	Cleanliness              PoolConfig    `mapstructure:"cleanliness"`
}

// Policy returns the parsed negative balance policy
func (c EngineConfig) Policy() (domain.NegativeBalancePolicy, error) {
	return domain.ParseNegativeBalancePolicy(c.NegativeBalancePolicy)
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	APIKeys      []string `mapstructure:"api_keys"`
}

// RelayConfig holds change journal relay configuration
type RelayConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DirtyCaseSweeperConfig holds configuration for the dirty case sweeper
type DirtyCaseSweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Worker    PoolConfig    `mapstructure:"worker"`
}

// CleanlinessSweeperConfig holds configuration for the cleanliness sweeper
type CleanlinessSweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// APIConfig holds configuration for the API server
type APIConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig   `mapstructure:"server"`
	Database   DatabaseConfig `mapstructure:"database"`
	Temporal   TemporalConfig `mapstructure:"temporal"`
	Blob       BlobConfig     `mapstructure:"blob"`
	Engine     EngineConfig   `mapstructure:"engine"`
	Auth       AuthConfig     `mapstructure:"auth"`
}

// WorkerConfig holds configuration for the worker program
type WorkerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	Temporal   TemporalConfig `mapstructure:"temporal"`
	NATS       NATSConfig     `mapstructure:"nats"`
	Blob       BlobConfig     `mapstructure:"blob"`
	Engine     EngineConfig   `mapstructure:"engine"`
	Relay      RelayConfig    `mapstructure:"relay"`
}

// SweeperConfig holds configuration for the sweeper program
type SweeperConfig struct {
	BaseConfig         `mapstructure:",squash"`
	Database           DatabaseConfig           `mapstructure:"database"`
	Temporal           TemporalConfig           `mapstructure:"temporal"`
	Blob               BlobConfig               `mapstructure:"blob"`
	Engine             EngineConfig             `mapstructure:"engine"`
	DirtyCaseSweeper   DirtyCaseSweeperConfig   `mapstructure:"dirty_case_sweeper"`
	CleanlinessSweeper CleanlinessSweeperConfig `mapstructure:"cleanliness_sweeper"`
}

// CtlConfig holds configuration for casectl
type CtlConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	Blob       BlobConfig     `mapstructure:"blob"`
	Engine     EngineConfig   `mapstructure:"engine"`
}

// LoadAPIConfig loads configuration for the API server
func LoadAPIConfig(configFile string, envPath string) (*APIConfig, error) {
	v := configureViper("api", configFile, envPath)

	setCommonDefaults(v)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.max_body_bytes", 50*1024*1024) // 50MB

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg APIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(cfg.Database, cfg.Engine); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWorkerConfig loads configuration for the worker program
func LoadWorkerConfig(configFile string, envPath string) (*WorkerConfig, error) {
	v := configureViper("worker", configFile, envPath)

	setCommonDefaults(v)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.stream_name", "CASECORE_CHANGES")
	v.SetDefault("nats.subject_prefix", "casecore.changes")
	v.SetDefault("nats.consumer_name", "casecore-bridge")
	v.SetDefault("nats.connection_name", "casecore-worker")
	v.SetDefault("nats.ack_wait", "30s")
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("relay.batch_size", 200)
	v.SetDefault("relay.poll_interval", "1s")

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(cfg.Database, cfg.Engine); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadSweeperConfig loads configuration for the sweeper program
func LoadSweeperConfig(configFile string, envPath string) (*SweeperConfig, error) {
	v := configureViper("sweeper", configFile, envPath)

	setCommonDefaults(v)
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("dirty_case_sweeper.interval", "1m")
	v.SetDefault("dirty_case_sweeper.batch_size", 100)
	v.SetDefault("dirty_case_sweeper.worker.pool_size", 8)
	v.SetDefault("dirty_case_sweeper.worker.queue_size", 100)
	v.SetDefault("cleanliness_sweeper.interval", "5m")
	v.SetDefault("cleanliness_sweeper.batch_size", 100)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg SweeperConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(cfg.Database, cfg.Engine); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadCtlConfig loads configuration for casectl
func LoadCtlConfig(configFile string, envPath string) (*CtlConfig, error) {
	v := configureViper("casectl", configFile, envPath)

	setCommonDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg CtlConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(cfg.Database, cfg.Engine); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultEngineConfig returns the engine settings used when no configuration is loaded
func DefaultEngineConfig() EngineConfig {
	v := viper.New()
	setCommonDefaults(v)

	var cfg EngineConfig
	_ = v.UnmarshalKey("engine", &cfg)
	return cfg
}

func setCommonDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "casecore")
	v.SetDefault("temporal.max_concurrent_activity_execution_size", 50)
	v.SetDefault("temporal.worker_activities_per_second", 50)
	v.SetDefault("temporal.max_concurrent_activity_task_pollers", 10)
	v.SetDefault("blob.backend", BlobBackendMemory)
	v.SetDefault("blob.prefix", "attachments/")
	v.SetDefault("engine.rebuild_timeout", "30s")
	v.SetDefault("engine.negative_balance_policy", string(domain.NegativeBalanceReject))
	v.SetDefault("engine.consumption_min_window_days", 10)
	v.SetDefault("engine.consumption_max_window_days", 60)
	v.SetDefault("engine.intake.pool_size", 16)
	v.SetDefault("engine.intake.queue_size", 256)
	v.SetDefault("engine.cleanliness.pool_size", 4)
	v.SetDefault("engine.cleanliness.queue_size", 1024)
}

// readConfig reads the config file, falling back to environment variables when none exists
func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func validate(db DatabaseConfig, engine EngineConfig) error {
	switch db.Driver {
	case DriverPostgres:
		if db.Host == "" {
			return errors.New("database.host is required")
		}
		if db.DBName == "" {
			return errors.New("database.dbname is required")
		}
	case DriverSQLite:
		if db.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", db.Driver)
	}

	if _, err := engine.Policy(); err != nil {
		return fmt.Errorf("invalid engine.negative_balance_policy: %w", err)
	}
	if engine.RebuildTimeout <= 0 {
		return errors.New("engine.rebuild_timeout must be positive")
	}
	if engine.ConsumptionMinWindowDays > engine.ConsumptionMaxWindowDays {
		return errors.New("engine.consumption_min_window_days must not exceed engine.consumption_max_window_days")
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search order: current directory, cmd/<service>/, config/
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.driver",
		"database.sqlite_path",
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		"database.auto_migrate",
		// NATS
		"nats.url",
		"nats.stream_name",
		"nats.subject_prefix",
		"nats.consumer_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		"nats.ack_wait",
		"nats.max_deliver",
		// Temporal
		"temporal.host_port",
		"temporal.namespace",
		"temporal.task_queue",
		"temporal.max_concurrent_activity_execution_size",
		"temporal.worker_activities_per_second",
		"temporal.max_concurrent_activity_task_pollers",
		// Blob
		"blob.backend",
		"blob.bucket",
		"blob.region",
		"blob.endpoint",
		"blob.prefix",
		"blob.use_path_style",
		// Engine
		"engine.rebuild_timeout",
		"engine.negative_balance_policy",
		"engine.consumption_min_window_days",
		"engine.consumption_max_window_days",
		"engine.intake.pool_size",
		"engine.intake.queue_size",
		"engine.cleanliness.pool_size",
		"engine.cleanliness.queue_size",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.max_body_bytes",
		// Auth
		"auth.jwt_public_key",
		"auth.api_keys",
		// Relay
		"relay.batch_size",
		"relay.poll_interval",
		// Sweepers
		"dirty_case_sweeper.interval",
		"dirty_case_sweeper.batch_size",
		"dirty_case_sweeper.worker.pool_size",
		"dirty_case_sweeper.worker.queue_size",
		"cleanliness_sweeper.interval",
		"cleanliness_sweeper.batch_size",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		// Overload lets later files override earlier ones
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for range 5 {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
