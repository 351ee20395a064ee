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
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/observability"
	"github.com/ongoingai/usagelog/internal/sink"
	"github.com/ongoingai/usagelog/internal/trace"
	"github.com/ongoingai/usagelog/internal/version"
)

const defaultConfigPath = "usagelog.yaml"

const defaultLogFormat = "json"

const otelShutdownTimeout = 5 * time.Second
const riverStopTimeout = 10 * time.Second

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	case "migrate":
		return runMigrate(args[1:], os.Stdout, os.Stderr)
	case "worker":
		return runWorker(args[1:], os.Stdout, os.Stderr)
	case "prune":
		return runPrune(args[1:], os.Stdout, os.Stderr)
	case "pricing":
		return runPricing(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runWorker(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("worker", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	logFormat := flagSet.String("log-format", defaultLogFormat, "Log format: json or text")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "worker does not accept positional arguments")
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}
	if !cfg.Queue.Enabled || cfg.Queue.Driver != config.QueueDriverRiver {
		fmt.Fprintln(errOut, "worker requires queue.enabled=true and queue.driver=river")
		return 1
	}

	logger, err := newLogger(out, *logFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	otelRuntime := setupOpenTelemetry(cfg, logger)
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := trace.Open(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeTraceStoreWithLog(logger, store)

	pool, err := sink.OpenRiverPool(ctx, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect river queue: %v\n", err)
		return 1
	}
	defer pool.Close()

	persister := sink.NewPersister(store, nil, logger)
	persister.SetFailureHandler(otelRuntime.RecordFailure)
	client, err := sink.NewRiverClient(pool, store, cfg, persister, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize river worker: %v\n", err)
		return 1
	}

	logger.Info("usagelog worker starting",
		"version", version.String(),
		"queue", cfg.Queue.Name,
		"max_workers", cfg.Queue.MaxWorkers,
		"prune_enabled", cfg.Logging.Prune.Enabled,
	)
	if err := serveRiver(ctx, client, logger); err != nil {
		logger.Error("usagelog worker stopped with error", "error", err)
		return 1
	}
	logger.Info("usagelog worker stopped")
	return 0
}

type riverService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// serveRiver runs client until ctx is done, then gives in-flight jobs
// riverStopTimeout to finish.
func serveRiver(ctx context.Context, client riverService, logger *slog.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := client.Start(groupCtx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		<-groupCtx.Done()
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("stopping river client", "timeout", riverStopTimeout.String())
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), riverStopTimeout)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stop river client: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func runPrune(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("prune", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	days := flagSet.Int("days", 0, "Delete records older than N days (defaults to logging.prune.days)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "prune does not accept positional arguments")
		return 2
	}
	if *days < 0 {
		fmt.Fprintf(errOut, "invalid --days %d: must not be negative\n", *days)
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}
	if !cfg.Logging.Prune.Enabled {
		fmt.Fprintln(out, "pruning is disabled (logging.prune.enabled=false)")
		return 0
	}
	retention := cfg.Logging.Prune.Days
	if *days > 0 {
		retention = *days
	}

	store, err := trace.Open(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	cutoff := time.Now().UTC().AddDate(0, 0, -retention)
	deleted, err := store.PruneBefore(context.Background(), cutoff)
	if err != nil {
		fmt.Fprintf(errOut, "failed to prune usage logs: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "pruned %d usage log records older than %d days (before %s)\n", deleted, retention, cutoff.Format(time.RFC3339))
	return 0
}

func newLogger(out io.Writer, format string) (*slog.Logger, error) {
	normalized, err := normalizeTextJSONFormat("log", format, defaultLogFormat)
	if err != nil {
		return nil, err
	}
	var handler slog.Handler
	switch normalized {
	case "text":
		handler = tint.NewHandler(out, &tint.Options{Level: slog.LevelInfo, TimeFormat: time.Kitchen})
	default:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(observability.NewTraceLogHandler(handler)), nil
}

func setupOpenTelemetry(cfg config.Config, logger *slog.Logger) *observability.Runtime {
	otelRuntime, err := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
	}
	return otelRuntime
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  usagelog migrate [--config path/to/usagelog.yaml]")
	fmt.Fprintln(out, "  usagelog worker [--config path/to/usagelog.yaml] [--log-format json|text]")
	fmt.Fprintln(out, "  usagelog prune [--config path/to/usagelog.yaml] [--days N]")
	fmt.Fprintln(out, "  usagelog pricing resolve [--config path/to/usagelog.yaml] --provider NAME --model NAME [--service NAME] [--prompt N] [--completion N]")
	fmt.Fprintln(out, "  usagelog doctor [--config path/to/usagelog.yaml] [--format text|json] [--probe]")
	fmt.Fprintln(out, "  usagelog config validate [--config path/to/usagelog.yaml]")
	fmt.Fprintln(out, "  usagelog version")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  usagelog config validate [--config path/to/usagelog.yaml]")
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
