// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`
	GRPC GRPCServer `yaml:"grpc"`

	Audit commoncfg.Audit `yaml:"audit"`

	Database         Database         `yaml:"database"`
	ValKey           ValKey           `yaml:"valkey"`
	Migrate          Migrate          `yaml:"migrate"`
	IdentityProvider IdentityProvider `yaml:"identityProvider"`
	WebAuthn         WebAuthn         `yaml:"webauthn"`
	Housekeeper      Housekeeper      `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type GRPCServer struct {
	commoncfg.GRPCServer `mapstructure:",squash" yaml:",inline"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	// SSLMode is passed to libpq as is. Left empty, the driver default applies.
	SSLMode string `yaml:"sslMode"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"idp"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type Migrate struct {
	// Source is "embedded" or "file://<dir>".
	Source string `yaml:"source" default:"embedded"`
}

// SessionStore selects the backend of the session repository.
type SessionStore string

const (
	SessionStorePostgres SessionStore = "postgres"
	SessionStoreValKey   SessionStore = "valkey"
)

type IdentityProvider struct {
	// BaseURL is the public URL of the service. It is the issuer of id tokens.
	BaseURL      string       `yaml:"baseURL" default:"http://localhost:8080"`
	SessionStore SessionStore `yaml:"sessionStore" default:"postgres"`

	UserSessionDuration       time.Duration `yaml:"userSessionDuration" default:"720h"`
	ClientSessionDuration     time.Duration `yaml:"clientSessionDuration" default:"1h"`
	AuthorizationCodeDuration time.Duration `yaml:"authorizationCodeDuration" default:"60s"`
	// StoreEvictionInterval is how often the in-memory code and ceremony
	// stores are swept.
	StoreEvictionInterval time.Duration `yaml:"storeEvictionInterval" default:"1m"`

	SecureTokenLength int `yaml:"secureTokenLength" default:"32"`
	BcryptCost        int `yaml:"bcryptCost" default:"12"`

	StateSecret commoncfg.SourceRef `yaml:"stateSecret"`
	CSRFSecret  commoncfg.SourceRef `yaml:"csrfSecret"`
	// SigningKey is a PEM encoded P-384 private key used for id tokens.
	SigningKey commoncfg.SourceRef `yaml:"signingKey"`

	LoginThrottle LoginThrottle `yaml:"loginThrottle"`

	SessionCookie  CookieTemplate `yaml:"sessionCookie"`
	CSRFCookie     CookieTemplate `yaml:"csrfCookie"`
	RedirectCookie CookieTemplate `yaml:"redirectCookie"`
}

type LoginThrottle struct {
	MaxFailures int           `yaml:"maxFailures" default:"5"`
	Window      time.Duration `yaml:"window" default:"5m"`
}

type WebAuthn struct {
	RPDisplayName   string        `yaml:"rpDisplayName" default:"Identity Provider"`
	RPID            string        `yaml:"rpID" default:"localhost"`
	RPOrigins       []string      `yaml:"rpOrigins"`
	CeremonyTimeout time.Duration `yaml:"ceremonyTimeout" default:"2m"`
}

type Housekeeper struct {
	TriggerInterval time.Duration `yaml:"triggerInterval" default:"10m"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure" default:"true"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
}
