package auth

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/metrics"
	"github.com/tessera-db/tessera/pkg/pgwire"
)

// Authenticator resolves users to providers and drives provider-specific
// authentication exchanges. The configuration tables are swappable for hot
// reload.
type Authenticator struct {
	logger *log.Logger

	mu         sync.RWMutex
	cfg        config.AuthConfig
	jwtByID    map[string]*jwtProvider
	customByID map[string]*customProvider
}

// NewAuthenticator builds an authenticator from the auth configuration.
func NewAuthenticator(cfg config.AuthConfig, logger *log.Logger) (*Authenticator, error) {
	a := &Authenticator{logger: logger}
	if err := a.Swap(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Swap atomically replaces the user and provider tables. Used by the
// config watcher; a failure leaves the previous tables in place.
func (a *Authenticator) Swap(cfg config.AuthConfig) error {
	jwtByID := make(map[string]*jwtProvider)
	customByID := make(map[string]*customProvider)

	for _, p := range cfg.Providers {
		switch p.Type {
		case "jwt":
			provider, err := newJwtProvider(p.Jwt)
			if err != nil {
				return errors.Wrapf(err, errors.ErrCodeConfigInvalid,
					"provider %q", p.ID).Err()
			}
			jwtByID[p.ID] = provider
		case "custom":
			provider, err := newCustomProvider(p.Custom)
			if err != nil {
				return errors.Wrapf(err, errors.ErrCodeConfigInvalid,
					"provider %q", p.ID).Err()
			}
			customByID[p.ID] = provider
		case "password", "saml":
			// Password needs no provider state; saml fails at use.
		}
	}

	a.mu.Lock()
	a.cfg = cfg
	a.jwtByID = jwtByID
	a.customByID = customByID
	a.mu.Unlock()

	return nil
}

// AuthenticatePostgres performs the full authentication exchange on a new
// client connection that is about to send a StartupMessage. On failure a
// single ErrorResponse is written before the error is returned; the caller
// closes the stream.
func (a *Authenticator) AuthenticatePostgres(stream io.ReadWriter) (AuthContext, pgwire.StartupMessage, error) {
	ctx, startup, err := a.doAuthenticatePostgres(stream)
	if err != nil {
		a.logger.Audit().Warn("postgres authentication failed", "error", err.Error())
		metrics.AuthAttempts.WithLabelValues(ctx.Provider, "failure").Inc()
		writeAuthError(stream, err)
		return AuthContext{}, pgwire.StartupMessage{}, err
	}

	a.logger.Audit().Info("postgres connection authenticated",
		"username", ctx.Username, "provider", ctx.Provider)
	metrics.AuthAttempts.WithLabelValues(ctx.Provider, "success").Inc()

	return ctx, startup, nil
}

func (a *Authenticator) doAuthenticatePostgres(stream io.ReadWriter) (AuthContext, pgwire.StartupMessage, error) {
	msg, err := pgwire.ReadUntagged(stream)
	if err != nil {
		return AuthContext{}, pgwire.StartupMessage{}, errors.Wrap(err,
			errors.ErrCodeProtocolError, "failed to read startup message").Err()
	}

	startup, err := pgwire.ParseStartup(msg.Body)
	if err != nil {
		return AuthContext{}, pgwire.StartupMessage{}, err
	}

	username, ok := startup.User()
	if !ok || username == "" {
		return AuthContext{}, startup, errors.New(errors.ErrCodeAuthFailed,
			"username not specified").Err()
	}

	a.mu.RLock()
	user, found := a.cfg.User(username)
	a.mu.RUnlock()

	if !found {
		return AuthContext{}, startup, errors.Newf(errors.ErrCodeUserUnknown,
			"unknown user %q", username).Err()
	}

	ctx := AuthContext{Username: username, Provider: user.Provider}

	switch a.providerType(user.Provider) {
	case "password":
		pctx, err := a.passwordAuth(stream, user)
		if err != nil {
			return AuthContext{}, startup, err
		}
		ctx.Password = pctx

	case "jwt":
		jctx, err := a.jwtAuth(stream, user)
		if err != nil {
			return AuthContext{}, startup, err
		}
		ctx.Jwt = jctx

	case "custom":
		cctx, err := a.customAuth(stream, user)
		if err != nil {
			return AuthContext{}, startup, err
		}
		ctx.Custom = cctx

	case "saml":
		return AuthContext{}, startup, errors.New(errors.ErrCodeAuthUnsupported,
			"saml authentication is not supported on the postgres protocol").Err()

	default:
		return AuthContext{}, startup, errors.Newf(errors.ErrCodeConfigInvalid,
			"user %q references unknown provider %q", username, user.Provider).Err()
	}

	return ctx, startup, nil
}

// providerType resolves the provider's mechanism. The bare "password"
// provider is built in.
func (a *Authenticator) providerType(id string) string {
	if id == "password" || id == "" {
		return "password"
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.cfg.Provider(id); ok {
		return p.Type
	}
	return ""
}

// passwordAuth drives the md5 challenge exchange.
func (a *Authenticator) passwordAuth(stream io.ReadWriter, user config.UserConfig) (*PasswordAuthContext, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal,
			"failed to generate salt").Err()
	}

	if err := writeBackend(stream, &pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return nil, err
	}

	received, err := readPassword(stream)
	if err != nil {
		return nil, err
	}

	return passwordProvider{}.Authenticate(user.Username, user.Password, salt, received)
}

// jwtAuth requests the token as a cleartext password.
func (a *Authenticator) jwtAuth(stream io.ReadWriter, user config.UserConfig) (*JwtAuthContext, error) {
	a.mu.RLock()
	provider := a.jwtByID[user.Provider]
	a.mu.RUnlock()

	if provider == nil {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"jwt provider %q is not initialised", user.Provider).Err()
	}

	if err := writeBackend(stream, &pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return nil, err
	}

	token, err := readPassword(stream)
	if err != nil {
		return nil, err
	}

	return provider.Authenticate(user, string(token))
}

// customAuth requests a cleartext password and hands it to the subprocess.
func (a *Authenticator) customAuth(stream io.ReadWriter, user config.UserConfig) (*CustomAuthContext, error) {
	a.mu.RLock()
	provider := a.customByID[user.Provider]
	a.mu.RUnlock()

	if provider == nil {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"custom provider %q is not initialised", user.Provider).Err()
	}

	if err := writeBackend(stream, &pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return nil, err
	}

	password, err := readPassword(stream)
	if err != nil {
		return nil, err
	}

	return provider.Authenticate(user, user.Username, string(password))
}

// readPassword reads the client's PasswordMessage response.
func readPassword(stream io.Reader) ([]byte, error) {
	msg, err := pgwire.ReadMessage(stream)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProtocolError,
			"failed to read password message").Err()
	}
	return msg.PasswordMessage()
}

// writeBackend encodes and writes pgproto3 backend messages.
func writeBackend(stream io.Writer, msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	var err error
	for _, m := range msgs {
		buf, err = m.Encode(buf)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal,
				"failed to encode backend message").Err()
		}
	}

	if _, err := stream.Write(buf); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to write backend message").Err()
	}
	return nil
}

// writeAuthError reports an authentication failure to the client.
func writeAuthError(stream io.Writer, err error) {
	_ = writeBackend(stream, &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     "28000", // invalid_authorization_specification
		Message:  err.Error(),
	})
}
