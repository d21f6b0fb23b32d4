// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	StaticDir             string `mapstructure:"static_dir"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`

	// SubmitRatePerMinute limits design submissions per client address. Zero disables it.
	SubmitRatePerMinute float64 `mapstructure:"submit_rate_per_minute"`
	SubmitBurst         int     `mapstructure:"submit_burst"`
}

// CatalogConfig points at the genome catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// WorkspaceConfig sets the root under which job directories live.
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// PipelineConfig governs the external primer pipeline invocation.
type PipelineConfig struct {
	Binary         string `mapstructure:"binary"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ExcerptChars   int    `mapstructure:"excerpt_chars"`
}

// JobsConfig holds submission limits.
type JobsConfig struct {
	MaxSNPCount int `mapstructure:"max_snp_count"`
}

// RetentionConfig drives the workspace sweeper.
type RetentionConfig struct {
	MaxAgeHours          int `mapstructure:"max_age_hours"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// ArchiveConfig selects where completed artifacts are copied.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the job ledger database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KASP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.request_timeout_seconds", 330)
	v.SetDefault("server.submit_rate_per_minute", 0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("catalog.path", "genomes.yaml")
	v.SetDefault("workspace.dir", "/tmp/kasp_jobs")
	v.SetDefault("pipeline.binary", "snp-primer")
	v.SetDefault("pipeline.timeout_seconds", 300)
	v.SetDefault("pipeline.excerpt_chars", 500)
	v.SetDefault("jobs.max_snp_count", 50)
	v.SetDefault("retention.max_age_hours", 24)
	v.SetDefault("retention.sweep_interval_minutes", 60)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "design_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
}

// bindLegacyEnv keeps the GENOME_CONFIG and WORK_DIR variables working.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("catalog.path", "KASP_CATALOG_PATH", "GENOME_CONFIG"); err != nil {
		return fmt.Errorf("bind catalog env: %w", err)
	}
	if err := v.BindEnv("workspace.dir", "KASP_WORKSPACE_DIR", "WORK_DIR"); err != nil {
		return fmt.Errorf("bind workspace env: %w", err)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.SubmitRatePerMinute < 0 {
		return fmt.Errorf("server.submit_rate_per_minute must be >= 0")
	}
	if c.Server.SubmitRatePerMinute > 0 && c.Server.SubmitBurst <= 0 {
		return fmt.Errorf("server.submit_burst must be > 0 when submissions are rate limited")
	}
	if strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if strings.TrimSpace(c.Workspace.Dir) == "" {
		return fmt.Errorf("workspace.dir is required")
	}
	if strings.TrimSpace(c.Pipeline.Binary) == "" {
		return fmt.Errorf("pipeline.binary is required")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.timeout_seconds must be > 0")
	}
	if c.Pipeline.ExcerptChars <= 0 {
		return fmt.Errorf("pipeline.excerpt_chars must be > 0")
	}
	if c.Jobs.MaxSNPCount <= 0 {
		return fmt.Errorf("jobs.max_snp_count must be > 0")
	}
	if c.Retention.MaxAgeHours <= 0 {
		return fmt.Errorf("retention.max_age_hours must be > 0")
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("retention.sweep_interval_minutes must be > 0")
	}
	if c.RetentionAge() <= c.PipelineTimeout() {
		return fmt.Errorf("retention.max_age_hours must exceed pipeline.timeout_seconds")
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if strings.TrimSpace(c.Archive.LocalDir) == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.backend is local")
		}
	case "gcs":
		if strings.TrimSpace(c.Archive.GCSBucket) == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	return nil
}

// PipelineTimeout is the wall-clock budget for one pipeline run.
func (c Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// RetentionAge is how long a workspace may live before it is swept.
func (c Config) RetentionAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// SweepInterval is the period between sweeper passes.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalMinutes) * time.Minute
}

// RequestTimeout bounds HTTP handlers; it must cover a full pipeline run.
func (c Config) RequestTimeout() time.Duration {
	d := time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
	if floor := c.PipelineTimeout() + 30*time.Second; d < floor {
		return floor
	}
	return d
}
