package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/ongoingai/usagelog/config"
	"github.com/ongoingai/usagelog/internal/sink"
	"github.com/ongoingai/usagelog/internal/trace"
	"github.com/ongoingai/usagelog/migrations"
)

const migrateTimeout = 2 * time.Minute

func runMigrate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "migrate does not accept positional arguments")
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	store, err := trace.Open(cfg.Storage)
	if err != nil {
		fmt.Fprintf(errOut, "failed to apply %s migrations: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	status, err := migrations.Status(ctx, store.DB(), cfg.Storage.Driver)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read migration status: %v\n", err)
		return 1
	}
	for _, migration := range status {
		state := "pending"
		if migration.Applied {
			state = "applied " + migration.AppliedAt
		}
		fmt.Fprintf(out, "%s: %s\n", migration.Name, state)
	}

	if cfg.Queue.Enabled && cfg.Queue.Driver == config.QueueDriverRiver {
		applied, err := migrateRiver(ctx, cfg)
		if err != nil {
			fmt.Fprintf(errOut, "failed to apply river migrations: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "river: applied %d migration(s)\n", applied)
	}
	return 0
}

func migrateRiver(ctx context.Context, cfg config.Config) (int, error) {
	pool, err := sink.OpenRiverPool(ctx, cfg.Storage.DSN)
	if err != nil {
		return 0, err
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, err
	}
	return len(res.Versions), nil
}
