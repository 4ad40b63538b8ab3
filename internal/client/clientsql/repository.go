package clientsql

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/pgerr"
)

const selectClient = `SELECT id, name, display_name, secret, needs_grant, redirect_uri_list, created_at FROM clients`

type Repository struct {
	db *pgxpool.Pool
}

var _ = client.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (client.Client, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "find_client_sql")
	defer span.End()

	c, err := scanClient(r.db.QueryRow(ctx, selectClient+` WHERE id = $1;`, id))
	if err != nil {
		span.RecordError(err)
		return client.Client{}, err
	}

	return c, nil
}

func (r *Repository) FindByName(ctx context.Context, name string) (client.Client, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "find_client_by_name_sql")
	defer span.End()

	c, err := scanClient(r.db.QueryRow(ctx, selectClient+` WHERE name = $1;`, name))
	if err != nil {
		span.RecordError(err)
		return client.Client{}, err
	}

	return c, nil
}

func (r *Repository) Create(ctx context.Context, c client.Client) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "create_client_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO clients (id, name, display_name, secret, needs_grant, redirect_uri_list)
			 VALUES ($1, $2, $3, $4, $5, $6);`,
		c.ID, c.Name, c.DisplayName, c.Secret, c.NeedsGrant, c.RedirectURIList,
	)
	if err != nil {
		span.RecordError(err)
		if err, ok := pgerr.Handle(err); ok {
			return err
		}

		return fmt.Errorf("inserting into clients: %w", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func scanClient(row pgx.Row) (client.Client, error) {
	var c client.Client
	err := row.Scan(&c.ID, &c.Name, &c.DisplayName, &c.Secret, &c.NeedsGrant, &c.RedirectURIList, &c.CreatedAt)
	if err != nil {
		if err, ok := pgerr.Handle(err); ok {
			return client.Client{}, err
		}

		return client.Client{}, fmt.Errorf("scanning rows: %w", err)
	}

	return c, nil
}
