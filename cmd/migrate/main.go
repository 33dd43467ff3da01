// Команда migrate управляет схемой PostgreSQL и разово чистит
// простаивающие сессии или отправленные события outbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "STOREFRONT_POSTGRES_DSN"

	targetSessions = "sessions"
	targetOutbox   = "outbox"
)

type options struct {
	direction string
	steps     int
	dsn       string
	maxAge    time.Duration
	target    string
}

func parseArgs(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status|purge")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	fs.DurationVar(&opts.maxAge, "max-age", 30*24*time.Hour, "purge: remove records idle longer than this")
	fs.StringVar(&opts.target, "target", targetSessions, "purge: sessions|outbox")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	opts.target = strings.ToLower(strings.TrimSpace(opts.target))
	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(dsnEnv))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%s (or -dsn) is required", dsnEnv)
	}
	switch opts.direction {
	case "up", "down", "status", "purge":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status|purge)", opts.direction)
	}
	if opts.direction == "purge" {
		if opts.maxAge <= 0 {
			return options{}, fmt.Errorf("max-age must be > 0")
		}
		if opts.target != targetSessions && opts.target != targetOutbox {
			return options{}, fmt.Errorf("unsupported purge target: %s (use sessions|outbox)", opts.target)
		}
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	case "purge":
		var purger domain.IdlePurger = postgres.NewKVStore(store)
		if opts.target == targetOutbox {
			purger = postgres.NewOutboxRepository(store)
		}
		removed, err := purger.PurgeIdle(ctx, opts.maxAge)
		if err != nil {
			return fmt.Errorf("purge %s failed: %w", opts.target, err)
		}
		_, _ = fmt.Fprintf(out, "purge %s ok: removed=%d max_age=%s\n", opts.target, removed, opts.maxAge)
		return nil
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", opts.direction, status.Version, status.Applied)
	for _, name := range status.Pending {
		_, _ = fmt.Fprintf(out, "pending: %s\n", name)
	}
	return nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
