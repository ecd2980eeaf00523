package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/pgwire"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelOff})
}

func passwordAuthenticator(t *testing.T) *Authenticator {
	t.Helper()

	a, err := NewAuthenticator(config.AuthConfig{
		Users: []config.UserConfig{
			{Username: "app", Provider: "password", Password: "password1"},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// rsaKeyPair generates a signing key and the PEM of its public half.
func rsaKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func jwtAuthenticator(t *testing.T, publicPEM string) *Authenticator {
	t.Helper()

	a, err := NewAuthenticator(config.AuthConfig{
		Providers: []config.AuthProviderConfig{
			{ID: "jwt", Type: "jwt", Jwt: &config.JwtProviderConfig{RsaPublicKey: publicPEM}},
		},
		Users: []config.UserConfig{
			{
				Username: "token_read",
				Provider: "jwt",
				Claims: map[string]config.ClaimCheck{
					"scope": {All: []string{"read"}},
				},
			},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// runClient drives the client side of the exchange on one pipe end.
func runClient(t *testing.T, conn net.Conn, username, password string) {
	t.Helper()

	startup := pgwire.NewStartupMessage(map[string]string{"user": username})
	if _, err := conn.Write(startup.Encode()); err != nil {
		t.Errorf("client write startup: %v", err)
		return
	}

	// Read the authentication request.
	msg, err := pgwire.ReadMessage(conn)
	if err != nil {
		t.Errorf("client read auth request: %v", err)
		return
	}
	if msg.Tag != 'R' {
		// ErrorResponse already; nothing more to send.
		return
	}

	var response []byte
	switch {
	case len(msg.Body) >= 4 && msg.Body[3] == 5: // md5
		var salt [4]byte
		copy(salt[:], msg.Body[4:8])
		response = []byte(md5Password(username, password, salt))
	default: // cleartext
		response = []byte(password)
	}

	pw := pgwire.Message{Tag: pgwire.TagPasswordMessage, Body: append(response, 0)}
	if err := pw.WriteTo(conn); err != nil {
		t.Errorf("client write password: %v", err)
	}
}

func TestPasswordAuthHappyPath(t *testing.T) {
	a := passwordAuthenticator(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go runClient(t, client, "app", "password1")

	ctx, startup, err := a.AuthenticatePostgres(server)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if ctx.Username != "app" || ctx.Provider != "password" {
		t.Errorf("context: %+v", ctx)
	}
	if ctx.Password == nil {
		t.Error("password context missing")
	}
	if u, _ := startup.User(); u != "app" {
		t.Errorf("startup user: %q", u)
	}
}

func TestPasswordAuthWrongPassword(t *testing.T) {
	a := passwordAuthenticator(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runClient(t, client, "app", "wrong")
		// Server replies with an ErrorResponse.
		msg, err := pgwire.ReadMessage(client)
		if err != nil {
			t.Errorf("client read error response: %v", err)
			return
		}
		if msg.Tag != 'E' {
			t.Errorf("expected ErrorResponse, got tag %c", msg.Tag)
		}
	}()

	if _, _, err := a.AuthenticatePostgres(server); err == nil {
		t.Error("wrong password should fail")
	}
	<-done
}

func TestUnknownUserFails(t *testing.T) {
	a := passwordAuthenticator(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		startup := pgwire.NewStartupMessage(map[string]string{"user": "ghost"})
		client.Write(startup.Encode())
		pgwire.ReadMessage(client) // drain ErrorResponse
	}()

	if _, _, err := a.AuthenticatePostgres(server); err == nil {
		t.Error("unknown user should fail")
	}
}

func TestJwtAuthHappyPath(t *testing.T) {
	key, publicPEM := rsaKeyPair(t)
	a := jwtAuthenticator(t, publicPEM)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"scope": "read",
		"exp":   float64(4102444800), // far future
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go runClient(t, client, "token_read", signed)

	ctx, _, err := a.AuthenticatePostgres(server)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if ctx.Jwt == nil {
		t.Fatal("jwt context missing")
	}
	if ctx.Jwt.RawToken != signed {
		t.Error("raw token not preserved")
	}
	if ctx.Jwt.Claims["scope"] != "read" {
		t.Errorf("claims: %+v", ctx.Jwt.Claims)
	}
}

func TestJwtAuthBadSignature(t *testing.T) {
	_, publicPEM := rsaKeyPair(t)
	otherKey, _ := rsaKeyPair(t)
	a := jwtAuthenticator(t, publicPEM)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"scope": "read",
		"exp":   float64(4102444800),
	})
	signed, err := token.SignedString(otherKey)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runClient(t, client, "token_read", signed)
		pgwire.ReadMessage(client) // drain ErrorResponse
	}()

	if _, _, err := a.AuthenticatePostgres(server); err == nil {
		t.Error("token signed by a different key should fail")
	}
	<-done
}

func TestJwtAuthMissingClaim(t *testing.T) {
	key, publicPEM := rsaKeyPair(t)
	a := jwtAuthenticator(t, publicPEM)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"scope": "write", // lacks "read"
		"exp":   float64(4102444800),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runClient(t, client, "token_read", signed)
		pgwire.ReadMessage(client) // drain ErrorResponse
	}()

	if _, _, err := a.AuthenticatePostgres(server); err == nil {
		t.Error("token without required claim should fail")
	}
	<-done
}

func TestServiceUserConstant(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		ServiceUsers: []config.ServiceUserConfig{
			{ID: "reporting", Username: "reporting", Password: "reportpass"},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	creds, err := a.ServiceUserCredentials("reporting")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.Username != "reporting" || creds.Password != "reportpass" {
		t.Errorf("creds: %+v", creds)
	}

	if _, err := a.ServiceUserCredentials("missing"); err == nil {
		t.Error("unknown service user should fail")
	}
}

func TestServiceUserShell(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		ServiceUsers: []config.ServiceUserConfig{
			{
				ID:       "vault",
				Username: "svc",
				Shell:    `echo '{"password": "from-shell"}'`,
			},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	creds, err := a.ServiceUserCredentials("vault")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.Username != "svc" {
		t.Errorf("username should fall back to config: %+v", creds)
	}
	if creds.Password != "from-shell" {
		t.Errorf("password: %+v", creds)
	}
}

func TestCustomAuthSubprocess(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		Providers: []config.AuthProviderConfig{
			{
				ID:   "ldap",
				Type: "custom",
				Custom: &config.CustomProviderConfig{
					Shell: `echo '{"result": "success", "context": {"team": "data"}}'`,
				},
			},
		},
		Users: []config.UserConfig{
			{Username: "analyst", Provider: "ldap"},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go runClient(t, client, "analyst", "whatever")

	ctx, _, err := a.AuthenticatePostgres(server)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.Custom == nil {
		t.Fatal("custom context missing")
	}
	if string(ctx.Custom.Data) != `{"team": "data"}` {
		t.Errorf("context data: %s", ctx.Custom.Data)
	}
}

func TestCustomAuthFailureMessage(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		Providers: []config.AuthProviderConfig{
			{
				ID:   "ldap",
				Type: "custom",
				Custom: &config.CustomProviderConfig{
					Shell: `echo '{"result": "failure", "message": "nope"}'`,
				},
			},
		},
		Users: []config.UserConfig{
			{Username: "analyst", Provider: "ldap"},
		},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runClient(t, client, "analyst", "whatever")
		pgwire.ReadMessage(client) // drain ErrorResponse
	}()

	if _, _, err := a.AuthenticatePostgres(server); err == nil {
		t.Error("failure result should fail authentication")
	}
	<-done
}
