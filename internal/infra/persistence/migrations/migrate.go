// Package migrations wires golang-migrate execution for the quotestream
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/quotestream/db/migrations"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

// Embedded selects the migrations compiled into the binary.
const Embedded = ""

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errSteps        = errors.New("rollback steps must be > 0")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest
// migration found in migrationsDir, or in the embedded set when migrationsDir
// is Embedded. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := resolveSource(migrationsDir)
	if err != nil {
		return err
	}

	m, closeAll, err := open(ctx, dsn, src, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	logger.Info("running database migrations", zap.String("source", src.label))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "up", "noop", src.label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "up", "failed", src.label)
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("database migrations applied")
	recordMigrationMetric(ctx, "up", "applied", src.label)
	return nil
}

// Rollback reverts the last steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if steps <= 0 {
		return errSteps
	}
	src, err := resolveSource(migrationsDir)
	if err != nil {
		return err
	}

	m, closeAll, err := open(ctx, dsn, src, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	logger.Info("rolling back database migrations", zap.String("source", src.label), zap.Int("steps", steps))
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
			recordMigrationMetric(ctx, "down", "noop", src.label)
			logger.Info("no migrations to roll back")
			return nil
		}
		recordMigrationMetric(ctx, "down", "failed", src.label)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "down", "applied", src.label)
	return nil
}

type source struct {
	// dir is empty for the embedded set.
	dir   string
	label string
}

func resolveSource(dir string) (source, error) {
	if strings.TrimSpace(dir) == Embedded {
		return source{label: "embedded"}, nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return source{}, err
	}
	return source{dir: resolved, label: resolved}, nil
}

func open(ctx context.Context, dsn string, src source, logger *zap.Logger) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}

	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if src.dir == "" {
		files, ferr := iofs.New(dbmigrations.Files, ".")
		if ferr != nil {
			closeDB()
			return nil, nil, fmt.Errorf("load embedded migrations: %w", ferr)
		}
		m, err = migrate.NewWithInstance("iofs", files, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(src.dir), "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	return m, func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, label string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("quotestream_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(direction),
		telemetry.AttrResult.String(result),
		telemetry.AttrMigrationSource.String(label),
	))
}
