package sessionsql

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/identity-provider/internal/pgerr"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = session.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) CreateSession(ctx context.Context, s session.Session) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "create_session_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO sessions (id, user_id, client_id, scope, created_at, expires_at, valid)
	VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		s.ID, s.UserID, s.ClientID, s.Scope, s.CreatedAt, s.ExpiresAt, s.Valid,
	); err != nil {
		span.RecordError(err)
		if err, ok := pgerr.Handle(err); ok {
			return err
		}

		return fmt.Errorf("inserting into sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (s session.Session, _ error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "load_session_sql")
	defer span.End()

	if err := r.db.QueryRow(ctx, `SELECT id, user_id, client_id, scope, created_at, expires_at, valid
FROM sessions
WHERE id = $1;`,
		sessionID,
	).Scan(&s.ID, &s.UserID, &s.ClientID, &s.Scope, &s.CreatedAt, &s.ExpiresAt, &s.Valid); err != nil {
		span.RecordError(err)
		if err, ok := pgerr.Handle(err); ok {
			return session.Session{}, err
		}

		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	return s, nil
}

func (r *Repository) InvalidateSession(ctx context.Context, sessionID string) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "invalidate_session_sql")
	defer span.End()

	tag, err := r.db.Exec(ctx, `UPDATE sessions SET valid = FALSE WHERE id = $1;`, sessionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating sessions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "delete_expired_sessions_sql")
	defer span.End()

	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1 OR valid = FALSE;`, before)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("deleting from sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
