package postgrestest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/crypto/bcrypt"

	slogctx "github.com/veqryn/slog-context"

	migrations "github.com/openkcm/identity-provider/sql"
)

const (
	DBHost     = "localhost"
	DBUser     = "postgres"
	DBPassword = "secret"
	DBName     = "identity_provider"
	DBSSLMode  = "disable"
)

// Fixture data inserted by prepareDB.
const (
	UserName      = "alice"
	UserPassword  = "alice-password" // NOSONAR
	AdminName     = "root"
	AdminPassword = "root-password" // NOSONAR
	ClientName    = "test"
	ClientSecret  = "test-secret" // NOSONAR
	ClientURI     = "http://localhost:3000/callback"

	ValidSessionID   = "session-valid"
	ExpiredSessionID = "session-expired"
	InvalidSessionID = "session-invalid"
)

var (
	UserID   = uuid.MustParse("7b0b3f0e-3f1d-4b0e-9f55-0b3a1f7f8a01")
	AdminID  = uuid.MustParse("7b0b3f0e-3f1d-4b0e-9f55-0b3a1f7f8a02")
	ClientID = uuid.MustParse("2c5f4a54-95d6-4b8e-a0b7-8d5bfe4e0c01")
)

// ExpiryTime is the time used as "expiry" for the inserted data
//
//nolint:gosmopolitan
var ExpiryTime = time.Now().Add(30 * 24 * time.Hour).Truncate(time.Microsecond).Local()

// Start initialises a database instance and returns a connection pool, database port, and termination function.
//
// Database credentials are available as exported variables.
// The database contains pre-defined test data. See INSERT statements in the prepareDB.
func Start(ctx context.Context) (*pgxpool.Pool, nat.Port, func(ctx context.Context)) {
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(DBName),
		postgres.WithUsername(DBUser),
		postgres.WithPassword(DBPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		slogctx.Error(ctx, "Failed to start PostgreSQL", slog.String("error", err.Error()))
		panic(err)
	}

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	if err != nil {
		slogctx.Error(ctx, "Failed to get mapped port for the PostgreSQL container", slog.String("error", err.Error()))
		panic(err)
	}

	dbPool := makeDBConn(ctx, port)
	prepareDB(ctx, dbPool)

	terminate := func(ctx context.Context) {
		dbPool.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			slogctx.Error(ctx, "Failed to terminate PostgreSQL container", slog.String("error", err.Error()))
			panic(err)
		}
	}

	return dbPool, port, terminate
}

// ConnStr returns the connection string for a database started on port.
func ConnStr(port nat.Port) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s", DBHost, DBUser, DBPassword, DBName, port.Port(), DBSSLMode)
}

func makeDBConn(ctx context.Context, port nat.Port) *pgxpool.Pool {
	pool, err := pgxpool.New(ctx, ConnStr(port))
	if err != nil {
		panic(err)
	}

	return pool
}

func migrateDB(ctx context.Context, dbPool *pgxpool.Pool) {
	db := stdlib.OpenDBFromPool(dbPool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		panic(err)
	}

	if _, err := provider.Up(ctx); err != nil {
		panic(err)
	}
}

func prepareDB(ctx context.Context, dbPool *pgxpool.Pool) {
	migrateDB(ctx, dbPool)

	userHash := mustHash(UserPassword)
	adminHash := mustHash(AdminPassword)

	b := new(pgx.Batch)
	b.Queue(`INSERT INTO users (id, username, email, password_hash, admin) VALUES ($1, $2, 'alice@example.com', $3, FALSE);`, UserID, UserName, userHash)
	b.Queue(`INSERT INTO users (id, username, email, password_hash, admin) VALUES ($1, $2, 'root@example.com', $3, TRUE);`, AdminID, AdminName, adminHash)
	b.Queue(`INSERT INTO clients (id, name, display_name, secret, needs_grant, redirect_uri_list) VALUES ($1, $2, 'Test Client', $3, TRUE, $4);`, ClientID, ClientName, ClientSecret, ClientURI)
	b.Queue(`INSERT INTO sessions (id, user_id, expires_at, valid) VALUES ($1, $2, $3, TRUE);`, ValidSessionID, UserID, ExpiryTime)
	b.Queue(`INSERT INTO sessions (id, user_id, expires_at, valid) VALUES ($1, $2, now() - interval '1 hour', TRUE);`, ExpiredSessionID, UserID)
	b.Queue(`INSERT INTO sessions (id, user_id, expires_at, valid) VALUES ($1, $2, $3, FALSE);`, InvalidSessionID, UserID, ExpiryTime)

	res := dbPool.SendBatch(ctx, b)
	if err := res.Close(); err != nil {
		panic(err)
	}
}

func mustHash(password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	return string(hash)
}
