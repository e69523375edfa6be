// Package config loads and validates the application configuration from a
// YAML file, with environment-variable overrides for deployment knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akarpov/logutil/internal/tailer"
)

// Default values for configuration.
const (
	DefaultPattern = `^(\S+) - - \[([^\]]+)\] "((\S+) (\S+))[^"]*" (\S+) (\S+) (\S+) "([^"]*)"`
	DefaultLayout  = "02/Jan/2006:15:04:05 -0700"

	DefaultPollInterval = time.Second
	DefaultMaxRecords   = 100_000
	DefaultAPIAddr      = "0.0.0.0:8080"
	DefaultDiagLog      = "logutil.log"
	DefaultExportDir    = "./data/exports"
)

// Environment variable names.
const (
	EnvFile    = "LOGUTIL_FILE"
	EnvAPIAddr = "LOGUTIL_API_ADDR"
	EnvDiagLog = "LOGUTIL_DIAG_LOG"
)

// Config is the full application configuration.
type Config struct {
	// File is the access log to tail.
	File string `yaml:"file"`

	// Pattern is the line regex; see the parser package for the
	// capture-group contract.
	Pattern string `yaml:"pattern"`

	// DateFormat is the Go time layout for the timestamp capture group.
	DateFormat string `yaml:"date_format"`

	// Mode is one of "all", "last-n", "tail".
	Mode string `yaml:"mode"`

	// LastN is the backfill size for mode "last-n".
	LastN int `yaml:"last_n"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRecords   int           `yaml:"max_records"`

	APIAddr string `yaml:"api_addr"`
	DiagLog string `yaml:"diag_log"`

	// SignaturesFile optionally replaces the built-in attack/bot
	// vocabularies.
	SignaturesFile string `yaml:"signatures_file"`

	ExportDir string `yaml:"export_dir"`
}

// Default returns a configuration with sensible defaults. File has no
// default and must be supplied.
func Default() *Config {
	return &Config{
		Pattern:      DefaultPattern,
		DateFormat:   DefaultLayout,
		Mode:         "tail",
		PollInterval: DefaultPollInterval,
		MaxRecords:   DefaultMaxRecords,
		APIAddr:      DefaultAPIAddr,
		DiagLog:      DefaultDiagLog,
		ExportDir:    DefaultExportDir,
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if file := os.Getenv(EnvFile); file != "" {
		c.File = file
	}
	if addr := os.Getenv(EnvAPIAddr); addr != "" {
		c.APIAddr = addr
	}
	if diag := os.Getenv(EnvDiagLog); diag != "" {
		c.DiagLog = diag
	}
}

// Validate checks the configuration. The line pattern is compiled here so
// a broken regex fails at startup, not on the first parse attempt.
func (c *Config) Validate() error {
	if c.File == "" {
		return errors.New("file: a log file path is required")
	}
	if c.Pattern == "" {
		return errors.New("pattern: the line regex is required")
	}
	if _, err := regexp.Compile(c.Pattern); err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	if c.DateFormat == "" {
		return errors.New("date_format: the timestamp layout is required")
	}

	mode, err := tailer.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if mode == tailer.ModeLastN && c.LastN <= 0 {
		return fmt.Errorf("last_n: must be positive for mode last-n, got %d", c.LastN)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval: must be positive, got %s", c.PollInterval)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("max_records: must be positive, got %d", c.MaxRecords)
	}
	if c.APIAddr == "" {
		return errors.New("api_addr: required")
	}
	return nil
}

// TailMode returns the parsed tail mode. Call only after Validate.
func (c *Config) TailMode() tailer.Mode {
	mode, _ := tailer.ParseMode(c.Mode)
	return mode
}
