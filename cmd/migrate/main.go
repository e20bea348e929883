// Command migrate applies or rolls back the quotestream PostgreSQL schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/quotestream/internal/infra/config"
	"github.com/coachpo/quotestream/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (falls back to "+config.EnvDatabaseDSN+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	if strings.TrimSpace(*dsn) == "" {
		*dsn = strings.TrimSpace(os.Getenv(config.EnvDatabaseDSN))
	}
	if *dsn == "" {
		return errors.New("-database flag is required")
	}

	cmd, steps, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if !*quiet {
		built, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("initialise logger: %w", err)
		}
		logger = built.Named("migrate")
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	default:
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	}
}

// parseCommand accepts "up" or "down [n]"; down defaults to one step.
func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return "", 0, fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			if n <= 0 {
				return "", 0, fmt.Errorf("invalid down steps %q: must be > 0", args[1])
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
