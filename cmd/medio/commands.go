package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/medio"
	"github.com/loykin/medio/internal/logger"
)

func configPath(flagPath string, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if flagPath == "" {
		return "", errors.New("config file required. Use --config=medio.toml or provide as argument")
	}
	return flagPath, nil
}

func runServe(parent context.Context, flags ServeFlags, args []string, console io.Writer) error {
	path, err := configPath(flags.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := medio.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return fmt.Errorf("failed to create log_dir %s: %w", cfg.LogDir, err)
	}

	log, closer, err := logger.New(cfg.LoggerConfig(), console)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	svc, err := medio.New(cfg, log)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting medio", "version", version, "config", path)
	if err := svc.Run(ctx); err != nil {
		log.Error("medio stopped with error", "error", err)
		return err
	}
	log.Info("medio stopped")
	return nil
}

func runCheck(flags CheckFlags, args []string, out io.Writer) error {
	path, err := configPath(flags.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := medio.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := medio.Preflight(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "helper:      %s\n", cfg.SessionOptions().ExecutablePath())
	_, _ = fmt.Fprintf(out, "source:      %s\n", cfg.SourceDir)
	_, _ = fmt.Fprintf(out, "target:      %s\n", cfg.TargetDir)
	_, _ = fmt.Fprintf(out, "pattern:     %s\n", cfg.FormatPattern)
	_, _ = fmt.Fprintf(out, "commands:    %s\n", cfg.CommandFilePath())
	_, _ = fmt.Fprintf(out, "extensions:  %s\n", strings.Join(cfg.AcceptedExtensions, " "))
	if len(cfg.AcceptedExtensions) == 0 {
		_, _ = fmt.Fprintln(out, "warning: accepted_extensions is empty, no file will be processed")
	}
	_, _ = fmt.Fprintln(out, "ok")
	return nil
}

func runStatus(flags StatusFlags, out io.Writer) error {
	url := flags.APIUrl
	if url == "" && flags.ConfigPath != "" {
		cfg, err := medio.LoadConfig(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		url = apiURLFromListen(cfg.Server.Listen, cfg.Server.BasePath)
	}
	client := NewAPIClient(url, flags.APITimeout)

	if flags.Health {
		h, err := client.GetHealth()
		if err != nil {
			return err
		}
		printJSON(out, h)
		if h.Status != "ok" {
			return fmt.Errorf("daemon unhealthy: %s", h.State)
		}
		return nil
	}
	st, err := client.GetStatus()
	if err != nil {
		return err
	}
	printJSON(out, st)
	return nil
}

// apiURLFromListen turns a listen address into a client URL. Wildcard hosts
// are dialled on loopback. basePath is normalized the way the server mounts it.
func apiURLFromListen(listen, basePath string) string {
	basePath = normalizeBase(basePath)
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + basePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + basePath
}

func normalizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}
