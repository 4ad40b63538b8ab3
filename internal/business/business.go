package business

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/authstate"
	"github.com/openkcm/identity-provider/internal/business/server"
	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/client/clientsql"
	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/csrf"
	"github.com/openkcm/identity-provider/internal/idtoken"
	"github.com/openkcm/identity-provider/internal/oauth"
	"github.com/openkcm/identity-provider/internal/passkey"
	"github.com/openkcm/identity-provider/internal/session"
	"github.com/openkcm/identity-provider/internal/session/sessionsql"
	"github.com/openkcm/identity-provider/internal/session/sessionvalkey"
	"github.com/openkcm/identity-provider/internal/tokenstore"
	"github.com/openkcm/identity-provider/internal/user"
	"github.com/openkcm/identity-provider/internal/user/usersql"
)

var ErrUnknownSessionStore = errors.New("unknown session store")

// Main starts both API servers
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// errChan is used to capture the first error and shutdown the servers.
	errChan := make(chan error, 2)

	// wg is used to wait for all servers to shutdown.
	var wg sync.WaitGroup

	// start public HTTP API server
	wg.Go(func() {
		errChan <- publicMain(ctx, cfg)
	})

	// start internal gRPC health server
	wg.Go(func() {
		errChan <- server.StartGRPCServer(ctx, cfg)
	})

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down servers", "error", err)
	}
	cancel()

	// wait for all servers to shutdown
	wg.Wait()

	return nil
}

// publicMain wires the identity provider and serves it over HTTP.
func publicMain(ctx context.Context, cfg *config.Config) error {
	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users := user.NewService(usersql.NewRepository(db), cfg.IdentityProvider.BcryptCost)
	clients := client.NewService(clientsql.NewRepository(db))

	sessions, closeFn, err := initSessionManager(ctx, cfg, db, users)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}
	defer closeFn()

	idp := &cfg.IdentityProvider

	stateSecret, err := loadSecret(idp.StateSecret, "state secret")
	if err != nil {
		return err
	}
	codec, err := authstate.NewCodec(stateSecret)
	if err != nil {
		return fmt.Errorf("creating state codec: %w", err)
	}

	csrfSecret, err := loadSecret(idp.CSRFSecret, "csrf secret")
	if err != nil {
		return err
	}
	guard, err := csrf.NewGuard(csrfSecret, idp.CSRFCookie)
	if err != nil {
		return fmt.Errorf("creating csrf guard: %w", err)
	}

	signer, err := initSigner(ctx, idp)
	if err != nil {
		return err
	}

	codes := tokenstore.NewRandom[oauth.Code](idp.AuthorizationCodeDuration, idp.SecureTokenLength)
	engine, err := oauth.NewEngine(clients, users, sessions, codec, codes,
		oauth.WithIDTokenSigner(signer),
		oauth.WithThrottle(oauth.NewThrottle(idp.LoginThrottle.MaxFailures, idp.LoginThrottle.Window)),
	)
	if err != nil {
		return fmt.Errorf("creating oauth engine: %w", err)
	}

	webAuthn, err := passkey.NewWebAuthn(cfg.WebAuthn, idp.BaseURL)
	if err != nil {
		return fmt.Errorf("configuring webauthn: %w", err)
	}
	ceremonies := passkey.NewCeremonyStore(cfg.WebAuthn.CeremonyTimeout, nil)
	passkeys := passkey.NewService(webAuthn, users, ceremonies)

	go startEviction(ctx, idp.StoreEvictionInterval, codes, ceremonies)

	api := server.NewAPI(idp.BaseURL, engine, sessions, guard, passkeys, users, server.WithIDTokenSigner(signer))

	return server.StartHTTPServer(ctx, cfg, api)
}

type evictor interface {
	Evict() int
}

// startEviction sweeps the in-memory stores until ctx is done.
func startEviction(ctx context.Context, interval time.Duration, stores ...evictor) {
	c := time.Tick(interval)
	for {
		select {
		case <-c:
		case <-ctx.Done():
			return
		}

		var evicted int
		for _, s := range stores {
			evicted += s.Evict()
		}
		if evicted > 0 {
			slogctx.Debug(ctx, "Evicted expired tokens", "count", evicted)
		}
	}
}

func initDB(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	if err := otelpgx.RecordStats(db); err != nil {
		slogctx.Warn(ctx, "Failed to record database stats", "error", err)
	}

	return db, nil
}

func initSessionManager(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, users session.UserLookup) (_ *session.Manager, closeFn func(), _ error) {
	var repo session.Repository
	closeFn = func() {}

	switch cfg.IdentityProvider.SessionStore {
	case config.SessionStorePostgres, "":
		repo = sessionsql.NewRepository(db)
	case config.SessionStoreValKey:
		valkeyClient, err := initValkey(cfg.ValKey)
		if err != nil {
			return nil, nil, err
		}
		repo = sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix)
		closeFn = valkeyClient.Close
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSessionStore, cfg.IdentityProvider.SessionStore)
	}

	opts := []session.ManagerOption{}
	if cfg.Audit.Endpoint != "" {
		auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("creating audit logger: %w", err)
		}
		opts = append(opts, session.WithAuditLogger(auditLogger))
	} else {
		slogctx.Warn(ctx, "No audit endpoint configured, login events are not audited")
	}

	return session.NewManager(&cfg.IdentityProvider, repo, users, opts...), closeFn, nil
}

func initValkey(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func loadSecret(ref commoncfg.SourceRef, name string) ([]byte, error) {
	secret, err := commoncfg.LoadValueFromSourceRef(ref)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}

	return secret, nil
}

// initSigner loads the id token key. Without a configured key an ephemeral
// one is generated, which invalidates issued id tokens on restart.
func initSigner(ctx context.Context, cfg *config.IdentityProvider) (*idtoken.Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)

	if cfg.SigningKey.Source == "" {
		slogctx.Warn(ctx, "No id token signing key configured, generating an ephemeral key")
		key, err = idtoken.GenerateKey()
	} else {
		var pem []byte
		if pem, err = loadSecret(cfg.SigningKey, "signing key"); err == nil {
			key, err = idtoken.ParseKey(pem)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("loading id token key: %w", err)
	}

	signer, err := idtoken.NewSigner(cfg.BaseURL, key)
	if err != nil {
		return nil, fmt.Errorf("creating id token signer: %w", err)
	}

	return signer, nil
}
