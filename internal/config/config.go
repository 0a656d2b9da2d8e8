package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/medio/internal/exiftool"
	"github.com/loykin/medio/internal/logger"
	"github.com/loykin/medio/internal/scanner"
)

// EnvPrefix prefixes environment overrides, e.g. MEDIO_SOURCE_DIR or MEDIO_LOG_LEVEL.
const EnvPrefix = "MEDIO"

const (
	DefaultCommandFileName = "exiftool.args"
	DefaultLockFileName    = "medio.lock"
	DefaultListen          = "127.0.0.1:9466"
	DefaultBasePath        = "/api"
)

// FileConfig represents the top-level TOML structure.
//
//	helper_dir = "/opt/exiftool"
//	source_dir = "/srv/inbox"
//	target_dir = "/srv/library"
//	format_pattern = "%Y/%m/%Y%m%d_%H%M%S%%-c.%%e"
//	log_dir = "/var/log/medio"
//	accepted_extensions = [".jpg", ".heic", ".mov"]
//
//	[server]
//	enabled = true
type FileConfig struct {
	HelperDir          string        `toml:"helper_dir" mapstructure:"helper_dir"`
	HelperBinary       string        `toml:"helper_binary" mapstructure:"helper_binary"`
	SourceDir          string        `toml:"source_dir" mapstructure:"source_dir"`
	TargetDir          string        `toml:"target_dir" mapstructure:"target_dir"`
	FormatPattern      string        `toml:"format_pattern" mapstructure:"format_pattern"`
	LogDir             string        `toml:"log_dir" mapstructure:"log_dir"`
	AcceptedExtensions []string      `toml:"accepted_extensions" mapstructure:"accepted_extensions"`
	DateTags           []string      `toml:"date_tags" mapstructure:"date_tags"`
	ScanInterval       time.Duration `toml:"scan_interval" mapstructure:"scan_interval"`
	Watch              bool          `toml:"watch" mapstructure:"watch"`
	SubmitTimeout      time.Duration `toml:"submit_timeout" mapstructure:"submit_timeout"`
	StopGrace          time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	CommandFile        string        `toml:"command_file" mapstructure:"command_file"`
	HistoryDSN         string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Log                LogConfig     `toml:"log" mapstructure:"log"`
	Metrics            MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Server             ServerConfig  `toml:"server" mapstructure:"server"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	ShowTime   bool   `toml:"show_time" mapstructure:"show_time"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	for _, k := range []string{"helper_dir", "source_dir", "target_dir", "format_pattern", "log_dir", "command_file", "history_dsn"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("helper_binary", exiftool.DefaultBinary)
	v.SetDefault("accepted_extensions", []string{})
	v.SetDefault("date_tags", exiftool.DefaultDateTags)
	v.SetDefault("scan_interval", scanner.DefaultInterval)
	v.SetDefault("watch", false)
	v.SetDefault("submit_timeout", exiftool.DefaultSubmitTimeout)
	v.SetDefault("stop_grace", exiftool.DefaultStopGrace)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", false)
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file", logger.DefaultFileName)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
}

// Load reads path (TOML) on top of the defaults and applies MEDIO_* environment
// overrides. An empty path loads defaults and environment only. The result is
// not validated; call Validate.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &fc, nil
}

// Validate reports every missing required option at once. Errors wrap
// exiftool.ErrConfiguration.
func (c *FileConfig) Validate() error {
	var missing []string
	for _, f := range []struct{ key, val string }{
		{"helper_dir", c.HelperDir},
		{"source_dir", c.SourceDir},
		{"target_dir", c.TargetDir},
		{"format_pattern", c.FormatPattern},
		{"log_dir", c.LogDir},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required option(s): %s", exiftool.ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan_interval must be > 0", exiftool.ErrConfiguration)
	}
	if c.SubmitTimeout < 0 || c.StopGrace < 0 {
		return fmt.Errorf("%w: submit_timeout and stop_grace must not be negative", exiftool.ErrConfiguration)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", exiftool.ErrConfiguration, err)
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("%w: server.listen is required when the server is enabled", exiftool.ErrConfiguration)
	}
	return nil
}

// CommandFilePath is command_file, or <log_dir>/exiftool.args when unset.
func (c *FileConfig) CommandFilePath() string {
	if strings.TrimSpace(c.CommandFile) != "" {
		return c.CommandFile
	}
	return filepath.Join(c.LogDir, DefaultCommandFileName)
}

// LockPath is the single-instance lock file inside log_dir.
func (c *FileConfig) LockPath() string {
	return filepath.Join(c.LogDir, DefaultLockFileName)
}

func (c *FileConfig) SessionOptions() exiftool.Options {
	return exiftool.Options{
		HelperDir:     c.HelperDir,
		HelperBinary:  c.HelperBinary,
		CommandFile:   c.CommandFilePath(),
		TargetDir:     c.TargetDir,
		FormatPattern: c.FormatPattern,
		DateTags:      append([]string(nil), c.DateTags...),
		SubmitTimeout: c.SubmitTimeout,
		StopGrace:     c.StopGrace,
	}
}

func (c *FileConfig) LoopOptions() scanner.Options {
	return scanner.Options{
		SourceDir:  c.SourceDir,
		TargetDir:  c.TargetDir,
		Extensions: append([]string(nil), c.AcceptedExtensions...),
		Interval:   c.ScanInterval,
		Watch:      c.Watch,
	}
}

// LoggerConfig places the rotating log file in log_dir.
func (c *FileConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Color:      c.Log.Color,
		ShowTime:   c.Log.ShowTime,
		Dir:        c.LogDir,
		FileName:   c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
