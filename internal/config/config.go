// Package config loads the daemon's TOML configuration file and layers
// command-line flag overrides on top of it.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config is the full set of knobs the daemon accepts, whether supplied via
// the TOML file or overridden on the command line (flags always win).
type Config struct {
	// Watcher.
	WatchRoots             []string `toml:"watch_roots"`
	Extensions             []string `toml:"extensions"`
	RefreshIntervalSeconds int      `toml:"refresh_interval_seconds"`

	// Staple Acquirer.
	RetryMax               int     `toml:"retry_max"`
	RetryBackoffStepSeconds int    `toml:"retry_backoff_step_seconds"`
	ResponderRateLimit     float64 `toml:"responder_rate_limit"` // requests/sec per host, 0 = unlimited
	TrustStorePath         string  `toml:"trust_store_path"`

	// Pipeline Orchestrator.
	ParserWorkers      int `toml:"parser_workers"`
	RenewerWorkers     int `toml:"renewer_workers"`
	MaxThreadRestarts  int `toml:"max_thread_restarts"`
	MaxAcquireFailures int `toml:"max_acquire_failures"`

	// Logging.
	LogLevel            string `toml:"log_level"`
	LogFile             string `toml:"log_file"` // empty = stderr
	LogRotateMaxSizeMB  int    `toml:"log_rotate_max_size_mb"`

	// Admin/status surface.
	AdminListen string `toml:"admin_listen"` // empty disables it
}

// Default returns a Config populated with every knob's documented default.
func Default() Config {
	return Config{
		WatchRoots:              nil,
		Extensions:               []string{"crt", "pem", "cer"},
		RefreshIntervalSeconds:   300,
		RetryMax:                 3,
		RetryBackoffStepSeconds:  5,
		ResponderRateLimit:       0,
		TrustStorePath:           "",
		ParserWorkers:            2,
		RenewerWorkers:           4,
		MaxThreadRestarts:        3,
		MaxAcquireFailures:       5,
		LogLevel:                 "info",
		LogFile:                  "",
		LogRotateMaxSizeMB:       100,
		AdminListen:              "localhost:2020",
	}
}

// Load reads path (if non-empty) over the documented defaults. A missing
// path is not an error when path is empty (the caller relies on flags and
// defaults alone); an explicit path that cannot be read or parsed is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// RefreshInterval returns RefreshIntervalSeconds as a time.Duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// RetryBackoffStep returns RetryBackoffStepSeconds as a time.Duration.
func (c Config) RetryBackoffStep() time.Duration {
	return time.Duration(c.RetryBackoffStepSeconds) * time.Second
}

// BindFlags registers every knob on fs with its current value (typically
// Default(), or whatever Load returned) as the flag default, so an unset
// flag falls back to the file/default value and a set flag overrides it.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&c.WatchRoots, "watch-roots", c.WatchRoots, "directories to watch for certificate files")
	fs.StringSliceVar(&c.Extensions, "extensions", c.Extensions, "certificate file extensions to watch")
	fs.IntVar(&c.RefreshIntervalSeconds, "refresh-interval-seconds", c.RefreshIntervalSeconds, "periodic resweep interval")

	fs.IntVar(&c.RetryMax, "retry-max", c.RetryMax, "per-URL OCSP request retry budget")
	fs.IntVar(&c.RetryBackoffStepSeconds, "retry-backoff-step-seconds", c.RetryBackoffStepSeconds, "linear back-off step between retries")
	fs.Float64Var(&c.ResponderRateLimit, "responder-rate-limit", c.ResponderRateLimit, "max OCSP requests/sec per responder host (0 = unlimited)")
	fs.StringVar(&c.TrustStorePath, "trust-store-path", c.TrustStorePath, "PEM bundle of trusted roots (empty = platform/bundled roots)")

	fs.IntVar(&c.ParserWorkers, "parser-workers", c.ParserWorkers, "parser pool size")
	fs.IntVar(&c.RenewerWorkers, "renewer-workers", c.RenewerWorkers, "renewer pool size")
	fs.IntVar(&c.MaxThreadRestarts, "max-thread-restarts", c.MaxThreadRestarts, "worker pool restart budget")
	fs.IntVar(&c.MaxAcquireFailures, "max-acquire-failures", c.MaxAcquireFailures, "consecutive acquisition failures before a record is dropped")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn, or error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "log file path (empty = stderr)")
	fs.IntVar(&c.LogRotateMaxSizeMB, "log-rotate-max-size-mb", c.LogRotateMaxSizeMB, "rotate the log file after it reaches this size")

	fs.StringVar(&c.AdminListen, "admin-listen", c.AdminListen, "admin/status HTTP listen address (empty disables it)")
}

// ApplyFileDefaults overwrites c's fields with the corresponding field from
// file, but only for flags that changed reports as not explicitly set on the
// command line - so an explicit flag always wins over the config file, and
// the config file always wins over the built-in default.
func (c *Config) ApplyFileDefaults(file Config, changed *pflag.FlagSet) {
	set := func(name string, apply func()) {
		if !changed.Changed(name) {
			apply()
		}
	}
	set("watch-roots", func() { c.WatchRoots = file.WatchRoots })
	set("extensions", func() { c.Extensions = file.Extensions })
	set("refresh-interval-seconds", func() { c.RefreshIntervalSeconds = file.RefreshIntervalSeconds })
	set("retry-max", func() { c.RetryMax = file.RetryMax })
	set("retry-backoff-step-seconds", func() { c.RetryBackoffStepSeconds = file.RetryBackoffStepSeconds })
	set("responder-rate-limit", func() { c.ResponderRateLimit = file.ResponderRateLimit })
	set("trust-store-path", func() { c.TrustStorePath = file.TrustStorePath })
	set("parser-workers", func() { c.ParserWorkers = file.ParserWorkers })
	set("renewer-workers", func() { c.RenewerWorkers = file.RenewerWorkers })
	set("max-thread-restarts", func() { c.MaxThreadRestarts = file.MaxThreadRestarts })
	set("max-acquire-failures", func() { c.MaxAcquireFailures = file.MaxAcquireFailures })
	set("log-level", func() { c.LogLevel = file.LogLevel })
	set("log-file", func() { c.LogFile = file.LogFile })
	set("log-rotate-max-size-mb", func() { c.LogRotateMaxSizeMB = file.LogRotateMaxSizeMB })
	set("admin-listen", func() { c.AdminListen = file.AdminListen })
}
