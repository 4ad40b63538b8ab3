package usersql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/identity-provider/internal/pgerr"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/user"
)

const (
	selectUser    = `SELECT id, username, email, password_hash, admin, created_at, last_login FROM users`
	selectPasskey = `SELECT id, user_id, name, credential_id, credential, created_at, last_used FROM passkeys`
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = user.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (user.User, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "find_user_sql")
	defer span.End()

	u, err := scanUser(r.db.QueryRow(ctx, selectUser+` WHERE id = $1;`, id))
	if err != nil {
		span.RecordError(err)
		return user.User{}, err
	}

	return u, nil
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (user.User, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "find_user_by_username_sql")
	defer span.End()

	u, err := scanUser(r.db.QueryRow(ctx, selectUser+` WHERE username = $1;`, username))
	if err != nil {
		span.RecordError(err)
		return user.User{}, err
	}

	return u, nil
}

func (r *Repository) Create(ctx context.Context, u user.User) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "create_user_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, admin) VALUES ($1, $2, $3, $4, $5);`,
		u.ID, u.Username, u.Email, u.HashedPassword, u.Admin,
	)
	if err != nil {
		span.RecordError(err)
		if err, ok := pgerr.Handle(err); ok {
			return err
		}

		return fmt.Errorf("inserting into users: %w", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (r *Repository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "update_user_last_login_sql")
	defer span.End()

	ct, err := r.db.Exec(ctx, `UPDATE users SET last_login = $1 WHERE id = $2;`, at, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating last login: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) ListPasskeys(ctx context.Context, userID uuid.UUID) ([]user.Passkey, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "list_passkeys_sql")
	defer span.End()

	rows, err := r.db.Query(ctx, selectPasskey+` WHERE user_id = $1 ORDER BY created_at;`, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying passkeys: %w", err)
	}

	passkeys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (user.Passkey, error) {
		return scanPasskey(row)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("collecting passkeys: %w", err)
	}

	return passkeys, nil
}

func (r *Repository) FindPasskeyByCredentialID(ctx context.Context, credentialID []byte) (user.Passkey, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "find_passkey_by_credential_id_sql")
	defer span.End()

	p, err := scanPasskey(r.db.QueryRow(ctx, selectPasskey+` WHERE credential_id = $1;`, credentialID))
	if err != nil {
		span.RecordError(err)
		return user.Passkey{}, err
	}

	return p, nil
}

func (r *Repository) CreatePasskey(ctx context.Context, p user.Passkey) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "create_passkey_sql")
	defer span.End()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO passkeys (id, user_id, name, credential_id, credential) VALUES ($1, $2, $3, $4, $5);`,
		p.ID, p.UserID, p.Name, p.CredentialID, []byte(p.Credential),
	)
	if err != nil {
		span.RecordError(err)
		if err, ok := pgerr.Handle(err); ok {
			return err
		}

		return fmt.Errorf("inserting into passkeys: %w", err)
	}

	return nil
}

func (r *Repository) UpdatePasskeyCredential(ctx context.Context, id uuid.UUID, credential json.RawMessage, usedAt time.Time) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "update_passkey_credential_sql")
	defer span.End()

	ct, err := r.db.Exec(ctx, `UPDATE passkeys SET credential = $1, last_used = $2 WHERE id = $3;`, []byte(credential), usedAt, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating passkey: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) DeletePasskey(ctx context.Context, userID, id uuid.UUID) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "delete_passkey_sql")
	defer span.End()

	ct, err := r.db.Exec(ctx, `DELETE FROM passkeys WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("executing sql query: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func scanUser(row pgx.Row) (user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.Admin, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if err, ok := pgerr.Handle(err); ok {
			return user.User{}, err
		}

		return user.User{}, fmt.Errorf("scanning rows: %w", err)
	}

	return u, nil
}

func scanPasskey(row pgx.Row) (user.Passkey, error) {
	var p user.Passkey
	var credential []byte
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.CredentialID, &credential, &p.CreatedAt, &p.LastUsed)
	if err != nil {
		if err, ok := pgerr.Handle(err); ok {
			return user.Passkey{}, err
		}

		return user.Passkey{}, fmt.Errorf("scanning rows: %w", err)
	}
	p.Credential = credential

	return p, nil
}
