package clientsql_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/client/clientsql"
	"github.com/openkcm/identity-provider/internal/dbtest/postgrestest"
	"github.com/openkcm/identity-provider/internal/serviceerr"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)

	dbPool = pool

	code := m.Run()
	terminate(ctx)
	os.Exit(code)
}

func TestRepository_FindByName(t *testing.T) {
	tests := []struct {
		name       string
		clientName string
		wantClient client.Client
		assertErr  assert.ErrorAssertionFunc
	}{
		{
			name:       "Success",
			clientName: postgrestest.ClientName,
			wantClient: client.Client{
				ID:              postgrestest.ClientID,
				Name:            postgrestest.ClientName,
				DisplayName:     "Test Client",
				Secret:          postgrestest.ClientSecret,
				NeedsGrant:      true,
				RedirectURIList: postgrestest.ClientURI,
			},
			assertErr: assert.NoError,
		},
		{
			name:       "Error does not exist",
			clientName: "does-not-exist",
			assertErr: func(t assert.TestingT, err error, i ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound, i...)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := clientsql.NewRepository(dbPool)

			got, err := r.FindByName(t.Context(), tt.clientName)
			if !tt.assertErr(t, err, fmt.Sprintf("Repository.FindByName() error %v", err)) || err != nil {
				assert.Zerof(t, got, "Repository.FindByName() expected zero value if an error is returned, got %v", got)
				return
			}

			if diff := cmp.Diff(tt.wantClient, got, cmpopts.IgnoreFields(client.Client{}, "CreatedAt")); diff != "" {
				t.Errorf("Repository.FindByName() mismatch (-want +got):\n%s", diff)
			}
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestRepository_CreateAndFind(t *testing.T) {
	r := clientsql.NewRepository(dbPool)
	ctx := t.Context()

	c := client.Client{
		ID:              uuid.New(),
		Name:            "create-" + uuid.NewString(),
		Secret:          "s3cret",
		NeedsGrant:      false,
		RedirectURIList: "https://a.example/cb\nhttps://b.example/cb",
	}

	require.NoError(t, r.Create(ctx, c))

	got, err := r.Find(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, []string{"https://a.example/cb", "https://b.example/cb"}, got.RedirectURIs())

	err = r.Create(ctx, client.Client{Name: c.Name, Secret: "x", RedirectURIList: "https://c.example"})
	assert.ErrorIs(t, err, serviceerr.ErrConflict)

	_, err = r.Find(ctx, uuid.New())
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}
