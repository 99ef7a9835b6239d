// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scan modes.
const (
	// ModeHarvest extracts every found page into a 21-column row.
	ModeHarvest = "harvest"
	// ModeDiscover records found IDs only.
	ModeDiscover = "discover"
)

// MinAttempts is the lowest accepted http.max_attempts: one attempt plus at
// least one retry.
const MinAttempts = 2

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveMemory = "memory"
	ArchiveGCS    = "gcs"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Output   OutputConfig   `mapstructure:"output"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Progress ProgressConfig `mapstructure:"progress"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig names the record source.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// NotFoundMarkers classify a 200 page as missing when its body contains one.
	NotFoundMarkers []string `mapstructure:"not_found_markers"`
}

// HTTPConfig configures retrieval, retry and politeness.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
}

// ScanConfig governs partitioning and checkpointing.
type ScanConfig struct {
	Mode          string        `mapstructure:"mode"`
	Lower         int64         `mapstructure:"lower"`
	Upper         int64         `mapstructure:"upper"`
	Workers       int           `mapstructure:"workers"`
	PartitionSize int           `mapstructure:"partition_size"`
	FlushInterval int           `mapstructure:"flush_interval"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	// SeedFile is the CSV seed list for validate runs.
	SeedFile string `mapstructure:"seed_file"`
}

// ExtractConfig bounds extraction work per page.
type ExtractConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

// OutputConfig locates partition files.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Prefix string `mapstructure:"prefix"`
	NoSync bool   `mapstructure:"no_sync"`
}

// ArchiveConfig selects where closed partitions are copied.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
}

// ProgressConfig controls event fan-out and console output.
type ProgressConfig struct {
	ReportEvery int           `mapstructure:"report_every"`
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchEvents int           `mapstructure:"batch_events"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	Bars        bool          `mapstructure:"bars"`
	LogEvents   bool          `mapstructure:"log_events"`
	Metrics     bool          `mapstructure:"metrics"`
}

// DatabaseConfig controls the confirmed-ID index.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds partition_ready notification settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status API. Port 0 disables it.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	return Read(v, path)
}

// New returns a Viper instance with env binding and defaults applied, so CLI
// flags can be bound before Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Read loads the optional file at path into v and decodes the result.
func Read(v *viper.Viper, path string) (Config, error) {
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
	v.SetDefault("source.base_url", "https://www.gunviolencearchive.org/incident")
	v.SetDefault("source.not_found_markers", []string{"Page not found"})
	v.SetDefault("http.user_agent", "incident-harvester/0.1")
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.max_attempts", 8)
	v.SetDefault("http.backoff_initial", 250*time.Millisecond)
	v.SetDefault("http.backoff_max", 10*time.Second)
	v.SetDefault("http.rps", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("scan.mode", ModeHarvest)
	v.SetDefault("scan.lower", 0)
	v.SetDefault("scan.upper", 0)
	v.SetDefault("scan.seed_file", "")
	v.SetDefault("scan.workers", 0)
	v.SetDefault("scan.partition_size", 0)
	v.SetDefault("scan.flush_interval", 1000)
	v.SetDefault("scan.drain_timeout", 5*time.Second)
	v.SetDefault("extract.max_items", 200)
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.prefix", "incidents")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "partitions")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.gcs_endpoint", "")
	v.SetDefault("output.no_sync", false)
	v.SetDefault("progress.report_every", 100)
	v.SetDefault("progress.buffer_size", 0)
	v.SetDefault("progress.batch_events", 0)
	v.SetDefault("progress.batch_wait", 0)
	v.SetDefault("progress.bars", true)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.metrics", true)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "incident_ids")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", 0)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.base_url is required"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.MaxAttempts < MinAttempts {
		errs = append(errs, fmt.Errorf("http.max_attempts must be >= %d so transient failures are retried", MinAttempts))
	}
	if c.HTTP.BackoffMax < c.HTTP.BackoffInitial {
		errs = append(errs, errors.New("http.backoff_max must be >= http.backoff_initial"))
	}
	if c.HTTP.RPS < 0 {
		errs = append(errs, errors.New("http.rps must be >= 0"))
	}
	if !slices.Contains([]string{ModeHarvest, ModeDiscover}, c.Scan.Mode) {
		errs = append(errs, fmt.Errorf("scan.mode must be %q or %q", ModeHarvest, ModeDiscover))
	}
	if c.Scan.Lower < 0 || c.Scan.Upper < 0 {
		errs = append(errs, errors.New("scan.lower and scan.upper must be >= 0"))
	}
	if c.Scan.Upper != 0 && c.Scan.Upper <= c.Scan.Lower {
		errs = append(errs, errors.New("scan.upper must be > scan.lower"))
	}
	if c.Scan.Workers < 0 {
		errs = append(errs, errors.New("scan.workers must be >= 0"))
	}
	if c.Scan.PartitionSize < 0 {
		errs = append(errs, errors.New("scan.partition_size must be >= 0"))
	}
	if c.Scan.FlushInterval <= 0 {
		errs = append(errs, errors.New("scan.flush_interval must be > 0"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			errs = append(errs, errors.New("archive.local_dir is required for the local backend"))
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive.gcs_bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend))
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic is set"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be in [0, 65535]"))
	}
	return errors.Join(errs...)
}

// HasRange reports whether an explicit scan range is configured.
func (c Config) HasRange() bool {
	return c.Scan.Upper > c.Scan.Lower
}
