package business

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/client/clientsql"
	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/user"
	"github.com/openkcm/identity-provider/internal/user/usersql"
)

// Seed is the content of a seed file.
type Seed struct {
	Users   []SeedUser   `yaml:"users"`
	Clients []SeedClient `yaml:"clients"`
}

type SeedUser struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Admin    bool   `yaml:"admin"`
}

type SeedClient struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"displayName"`
	Secret       string   `yaml:"secret"`
	NeedsGrant   bool     `yaml:"needsGrant"`
	RedirectURIs []string `yaml:"redirectURIs"`
}

type userCreator interface {
	Create(ctx context.Context, username, email, password string, admin bool) (user.User, error)
}

type clientCreator interface {
	Create(ctx context.Context, c client.Client) error
}

// SeedMain loads the seed file at path into the database. Existing users and
// clients are left untouched.
func SeedMain(ctx context.Context, cfg *config.Config, path string) error {
	s, err := readSeed(path)
	if err != nil {
		return err
	}

	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users := user.NewService(usersql.NewRepository(db), cfg.IdentityProvider.BcryptCost)
	clients := client.NewService(clientsql.NewRepository(db))

	return seed(ctx, s, users, clients)
}

func readSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed file: %w", err)
	}

	var s Seed
	if err := yaml.UnmarshalWithOptions(data, &s, yaml.Strict()); err != nil {
		return Seed{}, fmt.Errorf("parsing seed file: %w", err)
	}

	return s, nil
}

func seed(ctx context.Context, s Seed, users userCreator, clients clientCreator) error {
	for _, u := range s.Users {
		_, err := users.Create(ctx, u.Username, u.Email, u.Password, u.Admin)
		switch {
		case errors.Is(err, serviceerr.ErrConflict):
			slogctx.Info(ctx, "User exists, skipping", "username", u.Username)
		case err != nil:
			return fmt.Errorf("seeding user %q: %w", u.Username, err)
		default:
			slogctx.Info(ctx, "Seeded user", "username", u.Username)
		}
	}

	for _, c := range s.Clients {
		err := clients.Create(ctx, client.Client{
			ID:              uuid.New(),
			Name:            c.Name,
			DisplayName:     c.DisplayName,
			Secret:          c.Secret,
			NeedsGrant:      c.NeedsGrant,
			RedirectURIList: strings.Join(c.RedirectURIs, "\n"),
		})
		switch {
		case errors.Is(err, serviceerr.ErrConflict):
			slogctx.Info(ctx, "Client exists, skipping", "client", c.Name)
		case err != nil:
			return fmt.Errorf("seeding client %q: %w", c.Name, err)
		default:
			slogctx.Info(ctx, "Seeded client", "client", c.Name)
		}
	}

	return nil
}
