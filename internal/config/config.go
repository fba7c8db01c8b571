package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Quality    QualityConfig    `yaml:"quality" mapstructure:"quality"`
	Duplicate  DuplicateConfig  `yaml:"duplicate" mapstructure:"duplicate"`
	Host       HostConfig       `yaml:"host" mapstructure:"host"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates the input, output, archive and template folders.
type PathsConfig struct {
	InputDir     string `yaml:"input_dir" mapstructure:"input_dir"`
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
	ArchiveDir   string `yaml:"archive_dir" mapstructure:"archive_dir"`
	TemplateDir  string `yaml:"template_dir" mapstructure:"template_dir"`
	TemplateFile string `yaml:"template_file" mapstructure:"template_file"`
}

// TemplatePath returns the full path of the project template.
func (p PathsConfig) TemplatePath() string {
	if p.TemplateDir == "" {
		return p.TemplateFile
	}
	return strings.TrimRight(p.TemplateDir, "/\\") + "/" + p.TemplateFile
}

// OCRConfig configures the ranked recognizers.
type OCRConfig struct {
	Primary           string        `yaml:"primary" mapstructure:"primary"`   // "tesseract", "command", "mistral"
	Fallback          string        `yaml:"fallback" mapstructure:"fallback"` // same values, or "none"
	Language          string        `yaml:"language" mapstructure:"language"`
	TessdataPrefix    string        `yaml:"tessdata_prefix" mapstructure:"tessdata_prefix"`
	Command           CommandConfig `yaml:"command" mapstructure:"command"`
	MistralKey        string        `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel      string        `yaml:"mistral_model" mapstructure:"mistral_model"`
	MistralConfidence float64       `yaml:"mistral_confidence" mapstructure:"mistral_confidence"`
	MistralRatePerSec float64       `yaml:"mistral_rate_per_sec" mapstructure:"mistral_rate_per_sec"`
	TimeoutSecs       int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CommandConfig configures an external recognizer executable.
type CommandConfig struct {
	Path string   `yaml:"path" mapstructure:"path"`
	Args []string `yaml:"args" mapstructure:"args"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	SchemaPath          string  `yaml:"schema_path" mapstructure:"schema_path"`
}

// DuplicateConfig configures fingerprint-based duplicate detection.
type DuplicateConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	VolatileFields []string `yaml:"volatile_fields" mapstructure:"volatile_fields"`
}

// HostConfig configures the automation driver for the host application.
type HostConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"` // "exec" or "simulated"
	ApplicationID   string `yaml:"application_id" mapstructure:"application_id"`
	BridgePath      string `yaml:"bridge_path" mapstructure:"bridge_path"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxAttempts     int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs       int    `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	Visible         bool   `yaml:"visible" mapstructure:"visible"`
}

// BatchConfig configures the preparation worker pool.
type BatchConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// StoreConfig configures the archive index.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the alert checker run by the status API.
type MonitoringConfig struct {
	Enabled                    bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL                 string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs          int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours        int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold       float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CommitFailureRateThreshold float64 `yaml:"commit_failure_rate_threshold" mapstructure:"commit_failure_rate_threshold"`
	DLQDepthThreshold          int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadOptions changes where configuration comes from.
type LoadOptions struct {
	// File is an explicit config file. Unlike ./config.yaml it must exist.
	File string
	// Flags maps config keys such as "log.level" to command-line flags.
	// A flag set on the command line wins over file and environment.
	Flags map[string]*pflag.Flag
}

// Load reads configuration from ./config.yaml and the environment.
func Load() (*Config, error) {
	return LoadWith(LoadOptions{})
}

// LoadWith reads configuration from file, environment and flags.
func LoadWith(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Config file
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, eris.Wrapf(err, "config: bind flag %s", flag.Name)
		}
	}

	// Environment
	v.SetEnvPrefix("EGAUTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.input_dir", "input")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.archive_dir", "archive")
	v.SetDefault("paths.template_dir", "templates")
	v.SetDefault("paths.template_file", "YourTemplate.egpj")
	v.SetDefault("ocr.primary", "tesseract")
	v.SetDefault("ocr.fallback", "command")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.command.path", "easyocr-json")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("ocr.mistral_confidence", 0.8)
	v.SetDefault("ocr.mistral_rate_per_sec", 1.0)
	v.SetDefault("ocr.timeout_secs", 120)
	v.SetDefault("quality.confidence_threshold", 0.6)
	v.SetDefault("duplicate.enabled", true)
	v.SetDefault("duplicate.volatile_fields", []string{"timestamp", "created_at", "updated_at", "generated_at"})
	v.SetDefault("host.driver", "exec")
	v.SetDefault("host.application_id", "EnergyGauge.Application")
	v.SetDefault("host.bridge_path", "eg-bridge.exe")
	v.SetDefault("host.call_timeout_secs", 300)
	v.SetDefault("host.max_attempts", 3)
	v.SetDefault("host.backoff_ms", 0)
	v.SetDefault("batch.workers", 3)
	v.SetDefault("batch.queue_size", 64)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "archive/index.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.commit_failure_rate_threshold", 0.20)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || opts.File != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Quality.ConfidenceThreshold < 0 || c.Quality.ConfidenceThreshold > 1 {
		return eris.Errorf("config: quality.confidence_threshold %v outside [0,1]", c.Quality.ConfidenceThreshold)
	}
	if c.Batch.Workers < 1 {
		return eris.Errorf("config: batch.workers must be >= 1, got %d", c.Batch.Workers)
	}
	if c.Host.MaxAttempts < 1 {
		return eris.Errorf("config: host.max_attempts must be >= 1, got %d", c.Host.MaxAttempts)
	}
	if c.Host.CallTimeoutSecs < 1 {
		return eris.Errorf("config: host.call_timeout_secs must be >= 1, got %d", c.Host.CallTimeoutSecs)
	}
	if c.Host.BackoffMs < 0 {
		return eris.Errorf("config: host.backoff_ms must be >= 0, got %d", c.Host.BackoffMs)
	}
	switch c.Host.Driver {
	case "exec", "simulated":
	default:
		return eris.Errorf("config: unknown host.driver %q", c.Host.Driver)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
