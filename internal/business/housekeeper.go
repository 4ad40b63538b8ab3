package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/user"
	"github.com/openkcm/identity-provider/internal/user/usersql"
)

// HousekeeperMain deletes expired and invalidated sessions on every trigger
// interval until ctx is done.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to the database: %w", err)
	}
	defer db.Close()

	users := user.NewService(usersql.NewRepository(db), cfg.IdentityProvider.BcryptCost)

	sessionManager, closeFn, err := initSessionManager(ctx, cfg, db, users)
	if err != nil {
		return fmt.Errorf("failed to initialise the session manager: %w", err)
	}
	defer closeFn()

	slogctx.Info(ctx, "Starting session housekeeping",
		"interval", cfg.Housekeeper.TriggerInterval,
		"sessionStore", cfg.IdentityProvider.SessionStore,
	)

	c := time.Tick(cfg.Housekeeper.TriggerInterval)
	for {
		if err := sessionManager.CleanupExpiredSessions(ctx); err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}
