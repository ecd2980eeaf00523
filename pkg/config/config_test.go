package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
proxy:
  addr: "127.0.0.1:15432"
  read_timeout: 10s
engine:
  addr: /tmp/engine.sock
  admin_user: tessera
  admin_password: secret
fdw:
  socket_path: /tmp/fdw.sock
  auth_token: token123
auth:
  providers:
    - id: jwt
      type: jwt
      jwt:
        rsa_public_key: file:///tmp/key.pem
  users:
    - username: token_read
      provider: jwt
      claims:
        scope:
          all: [read]
    - username: app
      provider: password
      password: password1
  service_users:
    - id: reporting
      username: reporting
      password: reportpass
sources:
  - id: pets_db
    type: sqlite
    options:
      dsn: /tmp/pets.db
    entities:
      - id: people
        attributes:
          - name: id
            type: int64
            primary_key: true
          - name: name
            type: utf8string(255)
            nullable: true
        source:
          table: people
jobs:
  - id: nightly_sync
    service_user: reporting
    sql: SELECT 1
    triggers:
      - cron: "0 2 * * *"
`

func writeSample(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tessera.yml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := Load(writeSample(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Proxy.Addr != "127.0.0.1:15432" {
		t.Errorf("proxy addr: %q", cfg.Proxy.Addr)
	}
	if cfg.Proxy.ReadTimeout.Std() != 10*time.Second {
		t.Errorf("read timeout: %v", cfg.Proxy.ReadTimeout.Std())
	}
	// Unset fields keep defaults.
	if cfg.Proxy.WriteTimeout.Std() != 30*time.Second {
		t.Errorf("write timeout default: %v", cfg.Proxy.WriteTimeout.Std())
	}

	user, ok := cfg.Auth.User("token_read")
	if !ok {
		t.Fatal("user token_read missing")
	}
	if user.Provider != "jwt" {
		t.Errorf("provider: %q", user.Provider)
	}
	check := user.Claims["scope"]
	if len(check.All) != 1 || check.All[0] != "read" {
		t.Errorf("claim check: %+v", check)
	}

	if len(cfg.Sources) != 1 || cfg.Sources[0].Type != "sqlite" {
		t.Fatalf("sources: %+v", cfg.Sources)
	}

	entity, err := cfg.Sources[0].Entities[0].Resolve()
	if err != nil {
		t.Fatalf("resolve entity: %v", err)
	}
	if len(entity.Attributes) != 2 {
		t.Fatalf("attributes: %+v", entity.Attributes)
	}
	if !entity.Attributes[0].PrimaryKey {
		t.Error("id should be primary key")
	}
	if entity.Attributes[1].Type.Str.MaxLength != 255 {
		t.Errorf("name max length: %d", entity.Attributes[1].Type.Str.MaxLength)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv(EnvFdwSocket, "/tmp/override.sock")

	cfg, err := Load(writeSample(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Fdw.SocketPath != "/tmp/override.sock" {
		t.Errorf("fdw socket: %q", cfg.Fdw.SocketPath)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	bad := `
auth:
  users:
    - username: ghost
      provider: nonexistent
`
	if _, err := Load(writeSample(t, bad)); err == nil {
		t.Error("unknown provider should fail validation")
	}
}

func TestValidateRejectsDuplicateSources(t *testing.T) {
	bad := `
sources:
  - id: dupe
    type: sqlite
  - id: dupe
    type: sqlite
`
	if _, err := Load(writeSample(t, bad)); err == nil {
		t.Error("duplicate source ids should fail validation")
	}
}

func TestValidateRejectsBadAttributeType(t *testing.T) {
	bad := `
sources:
  - id: s
    type: sqlite
    entities:
      - id: e
        attributes:
          - name: c
            type: notatype
`
	if _, err := Load(writeSample(t, bad)); err == nil {
		t.Error("unknown attribute type should fail validation")
	}
}
