// Package config loads evalwatch configuration from defaults, an optional
// YAML file, EVALWATCH_* environment variables, and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/evalwatch/pkg/jobstate"
)

// AppName is the binary, config file, and data directory name.
const AppName = "evalwatch"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "EVALWATCH"

// Backend selects the job store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendS3     Backend = "s3"
	BackendHTTP   Backend = "http"
)

// Valid reports whether b names a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendFile, BackendSQLite, BackendS3, BackendHTTP:
		return true
	default:
		return false
	}
}

// Config is the full application configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// WatchConfig holds watcher tunables.
type WatchConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ReportTransport bool          `mapstructure:"report_transport"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	FetchRate       float64       `mapstructure:"fetch_rate"`
	FetchBurst      int           `mapstructure:"fetch_burst"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Backend Backend       `mapstructure:"backend"`
	Kind    jobstate.Kind `mapstructure:"kind"`
	Path    string        `mapstructure:"path"`
	URL     string        `mapstructure:"url"`
	S3      S3Config      `mapstructure:"s3"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// StreamTimeout caps one watch stream. The server then sends a timeout
	// event and clients fall back to polling. Zero means no cap.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.Store.Backend.Valid() {
		return &ValidationError{Field: "store.backend", Message: fmt.Sprintf("unknown backend %q (expected file, sqlite, s3, or http)", c.Store.Backend)}
	}
	if strings.TrimSpace(string(c.Store.Kind)) == "" {
		return &ValidationError{Field: "store.kind", Message: "must not be empty"}
	}
	switch c.Store.Backend {
	case BackendS3:
		if strings.TrimSpace(c.Store.S3.Bucket) == "" {
			return &ValidationError{Field: "store.s3.bucket", Message: "required for the s3 backend"}
		}
	case BackendHTTP:
		if strings.TrimSpace(c.Store.URL) == "" {
			return &ValidationError{Field: "store.url", Message: "required for the http backend"}
		}
	}

	if c.Watch.PollInterval <= 0 {
		return &ValidationError{Field: "watch.poll_interval", Message: "must be positive"}
	}
	if c.Watch.ConnectTimeout < 0 {
		return &ValidationError{Field: "watch.connect_timeout", Message: "must not be negative"}
	}
	if c.Watch.FetchTimeout < 0 {
		return &ValidationError{Field: "watch.fetch_timeout", Message: "must not be negative"}
	}
	if c.Watch.FetchRate < 0 {
		return &ValidationError{Field: "watch.fetch_rate", Message: "must not be negative"}
	}
	if c.Watch.FetchRate > 0 && c.Watch.FetchBurst < 1 {
		return &ValidationError{Field: "watch.fetch_burst", Message: "must be at least 1 when fetch_rate is set"}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: fmt.Sprintf("out of range: %d", c.Server.Port)}
	}
	if c.Server.StreamTimeout < 0 {
		return &ValidationError{Field: "server.stream_timeout", Message: "must not be negative"}
	}
	return nil
}

// DataDir returns the per-user data directory for evalwatch.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// ResolvedPath returns the configured store path, or the backend's default
// location under DataDir when none is set.
func (s StoreConfig) ResolvedPath() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	switch s.Backend {
	case BackendSQLite:
		return filepath.Join(DataDir(), AppName+".db")
	default:
		return filepath.Join(DataDir(), "jobs", string(s.Kind))
	}
}
