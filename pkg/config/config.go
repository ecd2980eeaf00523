// Package config loads and validates the gateway's YAML configuration,
// applies environment overrides and supports hot reload of the auth
// section via file watching.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/data"
	"github.com/tessera-db/tessera/pkg/errors"
)

// Environment variable overrides.
const (
	EnvFdwSocket = "TESSERA_FDW_SOCKET"
	EnvWebAssets = "TESSERA_WEB_ASSETS"
)

// Config is the full gateway configuration.
type Config struct {
	Proxy   ProxyConfig        `yaml:"proxy"`
	Engine  EngineConfig       `yaml:"engine"`
	Fdw     FdwConfig          `yaml:"fdw"`
	Auth    AuthConfig         `yaml:"auth"`
	Sources []DataSourceConfig `yaml:"sources"`
	Jobs    []JobConfig        `yaml:"jobs"`
	Web     WebConfig          `yaml:"web"`
	Logging LoggingConfig      `yaml:"logging"`
}

// ProxyConfig configures the wire-edge listener.
type ProxyConfig struct {
	Addr         string     `yaml:"addr"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
	ReadTimeout  Duration   `yaml:"read_timeout"`
	WriteTimeout Duration   `yaml:"write_timeout"`
}

// TLSConfig names the server certificate pair.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EngineConfig locates the embedded postgres engine.
type EngineConfig struct {
	// Addr is the engine's listen address: a unix socket path or
	// host:port.
	Addr string `yaml:"addr"`

	// AdminUser/AdminPassword authenticate the gateway's server-side
	// startup on the inner socket.
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
}

// FdwConfig configures the FDW host socket.
type FdwConfig struct {
	SocketPath string `yaml:"socket_path"`
	AuthToken  string `yaml:"auth_token"`
}

// AuthConfig holds providers, users and service users.
type AuthConfig struct {
	Providers    []AuthProviderConfig `yaml:"providers"`
	Users        []UserConfig         `yaml:"users"`
	ServiceUsers []ServiceUserConfig  `yaml:"service_users"`
}

// AuthProviderConfig declares one authentication provider.
type AuthProviderConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // password | jwt | saml | custom

	Jwt    *JwtProviderConfig    `yaml:"jwt,omitempty"`
	Custom *CustomProviderConfig `yaml:"custom,omitempty"`
}

// JwtProviderConfig names the token verification keys. Each key entry is an
// inline PEM or a file:// reference; Jwk is a JWKS document, likewise inline
// or a file:// reference.
type JwtProviderConfig struct {
	RsaPublicKey string `yaml:"rsa_public_key,omitempty"`
	EcPublicKey  string `yaml:"ec_public_key,omitempty"`
	EdPublicKey  string `yaml:"ed_public_key,omitempty"`
	Jwk          string `yaml:"jwk,omitempty"`
}

// CustomProviderConfig names the shell command driving custom auth.
type CustomProviderConfig struct {
	Shell string `yaml:"shell"`
}

// UserConfig declares a gateway user bound to a provider.
type UserConfig struct {
	Username    string `yaml:"username"`
	Description string `yaml:"description,omitempty"`
	Provider    string `yaml:"provider"`

	// Password for password-provider users.
	Password string `yaml:"password,omitempty"`

	// Claims for jwt-provider users: claim name to required check.
	Claims map[string]ClaimCheck `yaml:"claims,omitempty"`

	// Custom carries provider-specific user config for custom providers.
	Custom map[string]interface{} `yaml:"custom,omitempty"`
}

// ClaimCheck is one claim predicate: exactly one of All, Any or Eq is set.
type ClaimCheck struct {
	All []string `yaml:"all,omitempty"`
	Any []string `yaml:"any,omitempty"`
	Eq  string   `yaml:"eq,omitempty"`
}

// ServiceUserConfig resolves internal session credentials either from a
// constant password or by running a shell that prints them as JSON.
type ServiceUserConfig struct {
	ID          string `yaml:"id"`
	Username    string `yaml:"username"`
	Description string `yaml:"description,omitempty"`

	Password string `yaml:"password,omitempty"`
	Shell    string `yaml:"shell,omitempty"`
}

// DataSourceConfig declares one external data source.
type DataSourceConfig struct {
	ID      string            `yaml:"id"`
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options,omitempty"`

	// RemoteSchema filters discovery; empty discovers everything.
	RemoteSchema string `yaml:"remote_schema,omitempty"`

	// Entities statically declares relations instead of (or in addition
	// to) discovery.
	Entities []EntityConfig `yaml:"entities,omitempty"`
}

// EntityConfig is the YAML form of a relation declaration.
type EntityConfig struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	Attributes  []AttributeConfig `yaml:"attributes"`
	Source      map[string]string `yaml:"source,omitempty"`
}

// AttributeConfig is the YAML form of a column declaration.
type AttributeConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Nullable    bool   `yaml:"nullable"`
	PrimaryKey  bool   `yaml:"primary_key"`
	Description string `yaml:"description,omitempty"`
}

// JobConfig declares a scheduled job surfaced through the internal catalog.
type JobConfig struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description,omitempty"`
	ServiceUser string          `yaml:"service_user"`
	SQL         string          `yaml:"sql"`
	Triggers    []TriggerConfig `yaml:"triggers,omitempty"`
}

// TriggerConfig is one cron trigger of a job.
type TriggerConfig struct {
	Cron string `yaml:"cron"`
}

// WebConfig configures the HTTP admin surface.
type WebConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AssetsDir string `yaml:"assets_dir,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Addr:         "0.0.0.0:5432",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Fdw: FdwConfig{
			SocketPath: "/tmp/tessera-fdw.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads, parses and validates the configuration file, then applies
// environment overrides.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.ErrCodeConfigMissing,
			"failed to read config file").
			WithField("path", path).
			Err()
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.ErrCodeConfigParse,
			"failed to parse config file").
			WithField("path", path).
			Err()
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvFdwSocket); v != "" {
		c.Fdw.SocketPath = v
	}
	if v := os.Getenv(EnvWebAssets); v != "" {
		c.Web.AssetsDir = v
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	providers := make(map[string]AuthProviderConfig)
	for _, p := range c.Auth.Providers {
		if p.ID == "" {
			return errors.New(errors.ErrCodeConfigValidation,
				"auth provider missing id").Err()
		}
		switch p.Type {
		case "password", "jwt", "saml", "custom":
		default:
			return errors.Newf(errors.ErrCodeConfigValidation,
				"auth provider %q has unknown type %q", p.ID, p.Type).Err()
		}
		providers[p.ID] = p
	}

	for _, u := range c.Auth.Users {
		if u.Username == "" {
			return errors.New(errors.ErrCodeConfigValidation,
				"user missing username").Err()
		}
		// The built-in password provider needs no declaration.
		if u.Provider != "password" {
			if _, ok := providers[u.Provider]; !ok {
				return errors.Newf(errors.ErrCodeConfigValidation,
					"user %q references unknown provider %q", u.Username, u.Provider).Err()
			}
		}
	}

	sourceIDs := make(map[string]bool)
	for _, s := range c.Sources {
		if s.ID == "" || s.Type == "" {
			return errors.New(errors.ErrCodeConfigValidation,
				"data source missing id or type").Err()
		}
		if sourceIDs[s.ID] {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"duplicate data source id %q", s.ID).Err()
		}
		sourceIDs[s.ID] = true

		for _, e := range s.Entities {
			if _, err := e.Resolve(); err != nil {
				return err
			}
		}
	}

	for _, j := range c.Jobs {
		if j.ServiceUser == "" {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"job %q missing service user", j.ID).Err()
		}
	}

	return nil
}

// Resolve converts the YAML entity declaration into the runtime form,
// parsing attribute type names.
func (e EntityConfig) Resolve() (connector.EntityConfig, error) {
	out := connector.EntityConfig{
		ID:           e.ID,
		Description:  e.Description,
		SourceConfig: e.Source,
	}

	for _, a := range e.Attributes {
		t, err := data.ParseTypeName(a.Type)
		if err != nil {
			return out, errors.Wrapf(err, errors.ErrCodeConfigValidation,
				"entity %q attribute %q", e.ID, a.Name).Err()
		}
		out.Attributes = append(out.Attributes, connector.EntityAttributeConfig{
			Name:        a.Name,
			Type:        t,
			Nullable:    a.Nullable,
			PrimaryKey:  a.PrimaryKey,
			Description: a.Description,
		})
	}

	return out, nil
}

// User returns the user record for the username.
func (a AuthConfig) User(username string) (UserConfig, bool) {
	for _, u := range a.Users {
		if u.Username == username {
			return u, true
		}
	}
	return UserConfig{}, false
}

// Provider returns the provider record by id.
func (a AuthConfig) Provider(id string) (AuthProviderConfig, bool) {
	for _, p := range a.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return AuthProviderConfig{}, false
}

// ServiceUser returns the service user record by id.
func (a AuthConfig) ServiceUser(id string) (ServiceUserConfig, bool) {
	for _, s := range a.ServiceUsers {
		if s.ID == id {
			return s, true
		}
	}
	return ServiceUserConfig{}, false
}
