package ingester

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type DedupConfig struct {
	// HashWindow bounds the hash cache preload, e.g. "168h".
	HashWindow time.Duration `yaml:"hash_window"`
}

type IngestConfig struct {
	PlayerIDPattern string `yaml:"player_id_pattern"`
}

type WorkerFileConfig struct {
	Concurrency  int             `yaml:"concurrency"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Timeout      time.Duration   `yaml:"timeout"`
	MaxAttempts  int             `yaml:"max_attempts"`
	Backoff      []time.Duration `yaml:"backoff"`
	// StaleAfter is how long a processing claim may go without finishing
	// before another run takes the upload over.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the YAML configuration file. Zero values take the defaults
// from ApplyDefaults.
type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	UploadDir   string           `yaml:"upload_dir"`
	Timezone    string           `yaml:"timezone"`
	Dedup       DedupConfig      `yaml:"dedup"`
	Ingest      IngestConfig     `yaml:"ingest"`
	Worker      WorkerFileConfig `yaml:"worker"`
	Log         LogConfig        `yaml:"log"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "gamelog.db"
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		c.UploadDir = "uploads"
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "UTC"
	}
	if c.Dedup.HashWindow <= 0 {
		c.Dedup.HashWindow = DefaultHashWindow
	}
	if strings.TrimSpace(c.Ingest.PlayerIDPattern) == "" {
		c.Ingest.PlayerIDPattern = DefaultPlayerIDPattern
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = DefaultJobTimeout
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = DefaultMaxAttempts
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 2 * c.Worker.Timeout
	}
	if len(c.Worker.Backoff) == 0 {
		c.Worker.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := regexp.Compile(c.Ingest.PlayerIDPattern); err != nil {
		return fmt.Errorf("ingest.player_id_pattern: %w", err)
	}
	if c.Worker.StaleAfter < c.Worker.Timeout {
		return fmt.Errorf("worker.stale_after (%s) must not be shorter than worker.timeout (%s)", c.Worker.StaleAfter, c.Worker.Timeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// RunnerConfig resolves the ingestion settings.
func (c *Config) RunnerConfig() (RunnerConfig, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	re, err := regexp.Compile(c.Ingest.PlayerIDPattern)
	if err != nil {
		return RunnerConfig{}, fmt.Errorf("ingest.player_id_pattern: %w", err)
	}
	return RunnerConfig{
		HashWindow:      c.Dedup.HashWindow,
		Location:        loc,
		PlayerIDPattern: re,
		StaleAfter:      c.Worker.StaleAfter,
	}, nil
}

// WorkerConfig resolves the background worker settings.
func (c *Config) WorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  c.Worker.Concurrency,
		PollInterval: c.Worker.PollInterval,
		Timeout:      c.Worker.Timeout,
		MaxAttempts:  c.Worker.MaxAttempts,
		Backoff:      append([]time.Duration(nil), c.Worker.Backoff...),
		StaleAfter:   c.Worker.StaleAfter,
	}
}
