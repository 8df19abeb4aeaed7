package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/intake/internal/bridge"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/internal/scheduler"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/validation"
	intakemcp "github.com/rendis/intake/pkg/mcp"
)

const usage = `usage: intake <command> [flags]

commands:
  serve     run the MCP server on stdio
  check     validate a catalog file
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "version", "-v", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	catalogPath := fs.String("catalog", "", "catalog file (default: catalog_path from config)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(intakeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}

	// stdout carries the MCP transport; logs go to stderr.
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := fs.Arg(0)
	if path == "" {
		cfg, err := loadConfig(intakeDir())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = cfg.CatalogPath
	}

	exprs, err := expressions.NewSet()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cv, err := validation.NewCatalogValidator(exprs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	raw, err := readCatalog(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !checkCatalog(os.Stdout, cv, raw) {
		os.Exit(1)
	}
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

// serve wires the store, engine, scheduler and MCP server and blocks until ctx ends.
func serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ttl, err := cfg.sessionTTL()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	events := store.NewEventLog(st)

	exprs, err := expressions.NewSet()
	if err != nil {
		return fmt.Errorf("expressions: %w", err)
	}
	cv, err := validation.NewCatalogValidator(exprs)
	if err != nil {
		return err
	}
	raw, err := readCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	cat, _, err := cv.Decode(raw)
	if err != nil {
		return err
	}

	var targets []bridge.Target
	if cfg.WebhookURL != "" {
		wh, err := bridge.NewWebhookBridge(bridge.WebhookConfig{
			URL:               cfg.WebhookURL,
			Transform:         cfg.WebhookTransform,
			ServiceTransforms: bridge.ServiceTransforms(cat),
			Retry:             bridge.DefaultRetryPolicy(),
		}, exprs.Transforms, logger)
		if err != nil {
			return err
		}
		targets = append(targets, wh)
	}

	submissions := bridge.NewMultiBridge(targets...).WithRecord(bridge.NewStoreBridge(st))

	payments := bridge.NewSandboxPayments(cfg.PublishableKey, cfg.PaymentActionURL)
	files, err := bridge.NewDiskStorage(cfg.UploadDir, st)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Catalog:     cat,
		Bridge:      submissions,
		Payments:    payments,
		Files:       files,
		Events:      events,
		Expressions: exprs,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	manager := engine.NewManager(eng)

	sched := scheduler.NewScheduler(time.Minute, logger)
	if err := sched.RegisterSessionSweep(cfg.SweepSchedule, manager, ttl); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logger.Info("intake serving",
		"services", len(cat.Services),
		"catalog", cfg.CatalogPath,
		"webhook", cfg.WebhookURL != "",
	)

	srv := intakemcp.NewIntakeServer(intakemcp.IntakeServerDeps{
		Manager:       manager,
		History:       events,
		Submissions:   st,
		Authenticator: payments,
		Receivers:     submissions,
		Logger:        logger,
	})
	return srv.Serve(ctx)
}
