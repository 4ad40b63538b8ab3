package business

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/identity-provider/internal/config"
	migrations "github.com/openkcm/identity-provider/sql"
)

var ErrUnknownMigrationSource = errors.New("unknown migration source")

// MigrateMain applies all pending schema migrations.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	db, closeDB, err := openInstrumentedDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	source, err := migrationSource(cfg.Migrate.Source)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, source)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	for _, res := range results {
		slogctx.Info(ctx, "Applied migration",
			"version", res.Source.Version,
			"file", res.Source.Path,
			"duration", res.Duration,
		)
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	slogctx.Info(ctx, "Database schema is up to date", "version", version, "applied", len(results))

	return nil
}

// migrationSource resolves the configured source. "embedded" selects the
// migrations compiled into the binary, "file://<dir>" a directory on disk.
func migrationSource(source string) (fs.FS, error) {
	switch {
	case source == "" || source == "embedded":
		return migrations.FS, nil
	case strings.HasPrefix(source, "file://"):
		dir := strings.TrimPrefix(source, "file://")
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("reading migration source: %w", err)
		}

		return os.DirFS(dir), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMigrationSource, source)
	}
}

// openInstrumentedDB opens a database/sql handle traced by otelsql, as goose
// needs one. closeDB also unregisters the stats metrics.
func openInstrumentedDB(ctx context.Context, cfg config.Database) (_ *sql.DB, closeDB func(), _ error) {
	dbSystemName := semconv.DBSystemNamePostgreSQL

	connStr, err := config.MakeConnStr(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open("pgx", connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return nil, nil, oops.In("main").Wrapf(err, "opening DB connection")
	}

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("registering db stats metrics: %w", err)
	}

	return db, func() {
		if err := reg.Unregister(); err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
		if err := db.Close(); err != nil {
			slogctx.Warn(ctx, "failed to close DB connection", "error", err)
		}
	}, nil
}
