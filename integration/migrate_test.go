//go:build integration

package integration_test

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/openkcm/identity-provider/internal/dbtest/postgrestest"
)

func TestMigrate(t *testing.T) {
	const cmdName = "migrate"

	ctx := t.Context()

	// This test doesn't use PreparePostgres because it needs an empty DB
	pgContainer, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(postgrestest.DBName),
		postgres.WithUsername(postgrestest.DBUser),
		postgres.WithPassword(postgrestest.DBPassword),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start PostgreSQL")
	defer pgContainer.Terminate(ctx)

	port, err := pgContainer.MappedPort(ctx, nat.Port("5432"))
	require.NoError(t, err, "failed to get mapped port for the PostgreSQL container")

	istat := initInfra(t, cmdName)
	defer istat.Close(ctx)

	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = port.Port()
	istat.Cfg.Database.SSLMode = postgrestest.DBSSLMode
	istat.Cfg.Migrate.Source = "embedded"
	istat.PrepareConfig(t)

	err = istat.Command(t, ctx, cmdName).Run()
	require.NoError(t, err, "process exited abnormally")

	conn, err := pgx.Connect(ctx, postgrestest.ConnStr(port))
	require.NoError(t, err)
	defer conn.Close(ctx)

	for _, table := range []string{"users", "clients", "sessions", "passkeys"} {
		var exists bool
		err := conn.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s is missing", table)
	}
}
