package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "medio.log"
)

// Config describes where service logs go.
// The console always receives text output; when Dir is set a JSON copy is
// written to Dir/<FileName> and rotated following lumberjack semantics.
type Config struct {
	Level      string // debug, info, warn, error (default info)
	Color      bool   // ANSI colors on the console
	ShowTime   bool   // include timestamps on the console
	Dir        string // base directory for the log file
	FileName   string // file name inside Dir (default medio.log)
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// FilePath returns the rotating log file location, or "" when file logging is off.
func (c Config) FilePath() string {
	if strings.TrimSpace(c.Dir) == "" {
		return ""
	}
	name := c.FileName
	if name == "" {
		name = DefaultFileName
	}
	return filepath.Join(c.Dir, name)
}

// FileWriter returns the rotating writer for FilePath, or nil when file logging is off.
func (c Config) FileWriter() io.WriteCloser {
	p := c.FilePath()
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the service logger: console text (colored when enabled) fanned out with
// the JSON file writer. The returned closer releases the file and is never nil.
func New(c Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	var consoleHandler slog.Handler
	if c.Color {
		consoleHandler = NewColorTextHandler(console, opts, c.ShowTime)
	} else {
		consoleHandler = slog.NewTextHandler(console, withoutTime(opts, c.ShowTime))
	}

	fw := c.FileWriter()
	if fw == nil {
		return slog.New(consoleHandler), nopCloser{}, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	fileHandler := slog.NewJSONHandler(fw, opts)
	return slog.New(TeeHandler(consoleHandler, fileHandler)), fw, nil
}

// ParseLevel maps a config level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func withoutTime(opts *slog.HandlerOptions, showTime bool) *slog.HandlerOptions {
	if showTime {
		return opts
	}
	o := *opts
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.TimeKey {
			return slog.Attr{}
		}
		return a
	}
	return &o
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
