// Package medio files incoming media by date. One resident exiftool process renames
// every eligible file found in a source directory into a date-patterned target tree.
package medio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/medio/internal/config"
	"github.com/loykin/medio/internal/exiftool"
	"github.com/loykin/medio/internal/history"
	"github.com/loykin/medio/internal/history/factory"
	"github.com/loykin/medio/internal/metrics"
	"github.com/loykin/medio/internal/scanner"
	"github.com/loykin/medio/internal/server"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Status = exiftool.Status

type Stats = scanner.Stats

type HistorySink = history.Sink

var (
	ErrConfiguration     = exiftool.ErrConfiguration
	ErrNotFound          = exiftool.ErrNotFound
	ErrNotStarted        = exiftool.ErrNotStarted
	ErrCommunication     = exiftool.ErrCommunication
	ErrInvalidArgument   = exiftool.ErrInvalidArgument
	ErrDirectoryNotFound = scanner.ErrDirectoryNotFound
	// ErrAlreadyRunning means another instance holds the lock in log_dir.
	ErrAlreadyRunning = errors.New("another medio instance is running")
)

const serverShutdownTimeout = 5 * time.Second

// LoadConfig reads a TOML config file with MEDIO_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Service wires the helper session, the scan loop and their supporting pieces.
type Service struct {
	cfg     *Config
	log     *slog.Logger
	session *exiftool.Session
	loop    *scanner.Loop

	registerer prometheus.Registerer
	sink       history.Sink
	ran        atomic.Bool
}

type Option func(*Service)

// WithRegisterer registers metrics on r instead of the default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Service) { s.registerer = r }
}

// WithHistorySink overrides history_dsn with an already opened sink. The service
// does not close it.
func WithHistorySink(sink history.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// New validates cfg and builds an unstarted service. A nil logger discards output.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	session := exiftool.NewSession(cfg.SessionOptions(), logger)
	s := &Service{
		cfg:        cfg,
		log:        logger,
		session:    session,
		loop:       scanner.New(cfg.LoopOptions(), session, logger),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Status returns the helper session snapshot.
func (s *Service) Status() Status { return s.session.Status() }

// Stats returns the scan loop counters.
func (s *Service) Stats() Stats { return s.loop.Stats() }

// Run takes the instance lock, starts the helper and scans until ctx is cancelled
// or the session fails. Every resource acquired is released on return. A Service
// runs once.
func (s *Service) Run(ctx context.Context) (err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("service already ran")
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	lock := flock.New(s.cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: lock %s is held", ErrAlreadyRunning, s.cfg.LockPath())
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			s.log.Warn("failed to release lock", "error", uerr)
		}
	}()

	if s.cfg.Metrics.Enabled {
		if err := metrics.Register(s.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		s.session.ReportState()
	}

	if s.sink == nil && s.cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(s.cfg.HistoryDSN)
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		s.sink = sink
	}
	if s.sink != nil {
		s.loop.SetHistory(s.sink)
	}

	if err := s.session.Start(); err != nil {
		return err
	}
	defer func() {
		if serr := s.session.Stop(); serr != nil {
			s.log.Error("failed to stop helper", "error", serr)
			err = errors.Join(err, serr)
		}
	}()

	if s.cfg.Server.Enabled {
		router := server.NewRouter(s.session, s.loop, s.cfg.Server.BasePath, s.cfg.Metrics.Enabled)
		srv, err := server.NewServer(s.cfg.Server.Listen, router, s.log)
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		s.log.Info("status server listening", "addr", srv.Addr(), "base_path", s.cfg.Server.BasePath)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(sctx); serr != nil {
				s.log.Warn("status server shutdown", "error", serr)
			}
		}()
	}

	s.log.Info("medio started", "session", s.session.ID(), "lock", s.cfg.LockPath())
	return s.loop.Run(ctx)
}

// Preflight checks the configuration and the filesystem without starting anything.
// It reports every problem found.
func Preflight(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	if !isDir(cfg.HelperDir) {
		errs = append(errs, fmt.Errorf("%w: helper directory %s does not exist", ErrConfiguration, cfg.HelperDir))
	} else if exe := cfg.SessionOptions().ExecutablePath(); !isFile(exe) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNotFound, exe))
	}
	if !isDir(cfg.SourceDir) {
		errs = append(errs, fmt.Errorf("%w: source directory %q", ErrDirectoryNotFound, cfg.SourceDir))
	}
	if !isDir(cfg.TargetDir) {
		errs = append(errs, fmt.Errorf("%w: target directory %q", ErrDirectoryNotFound, cfg.TargetDir))
	}
	return errors.Join(errs...)
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
