package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/errors"
)

// jwtProvider validates bearer tokens against a configured key set and
// per-user claim predicates.
type jwtProvider struct {
	keys []interface{}
}

// newJwtProvider loads the verification keys named in the provider config.
func newJwtProvider(conf *config.JwtProviderConfig) (*jwtProvider, error) {
	if conf == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing,
			"jwt provider requires key configuration").Err()
	}

	p := &jwtProvider{}

	if conf.RsaPublicKey != "" {
		pem, err := loadKeyMaterial(conf.RsaPublicKey)
		if err != nil {
			return nil, err
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid,
				"failed to parse rsa public key").Err()
		}
		p.keys = append(p.keys, key)
	}

	if conf.EcPublicKey != "" {
		pem, err := loadKeyMaterial(conf.EcPublicKey)
		if err != nil {
			return nil, err
		}
		key, err := jwt.ParseECPublicKeyFromPEM(pem)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid,
				"failed to parse ec public key").Err()
		}
		p.keys = append(p.keys, key)
	}

	if conf.EdPublicKey != "" {
		pem, err := loadKeyMaterial(conf.EdPublicKey)
		if err != nil {
			return nil, err
		}
		key, err := jwt.ParseEdPublicKeyFromPEM(pem)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid,
				"failed to parse ed25519 public key").Err()
		}
		p.keys = append(p.keys, key)
	}

	if conf.Jwk != "" {
		raw, err := loadKeyMaterial(conf.Jwk)
		if err != nil {
			return nil, err
		}
		keys, err := parseJWKS(raw)
		if err != nil {
			return nil, err
		}
		p.keys = append(p.keys, keys...)
	}

	if len(p.keys) == 0 {
		return nil, errors.New(errors.ErrCodeConfigMissing,
			"jwt provider has no verification keys").Err()
	}

	return p, nil
}

// loadKeyMaterial resolves an inline value or a file:// reference.
func loadKeyMaterial(ref string) ([]byte, error) {
	if path, ok := strings.CutPrefix(ref, "file://"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigMissing,
				"failed to read key file").WithField("path", path).Err()
		}
		return raw, nil
	}
	return []byte(ref), nil
}

// parseJWKS extracts RSA keys from a JWKS document.
func parseJWKS(raw []byte) ([]interface{}, error) {
	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigParse,
			"failed to parse jwks document").Err()
	}

	var keys []interface{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}

		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}

		keys = append(keys, &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		})
	}

	if len(keys) == 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"jwks document contains no usable keys").Err()
	}
	return keys, nil
}

// Authenticate validates the token signature against the key set, then
// verifies the user's claim predicates.
func (p *jwtProvider) Authenticate(user config.UserConfig, rawToken string) (*JwtAuthContext, error) {
	var (
		token *jwt.Token
		err   error
	)

	claims := jwt.MapClaims{}
	for _, key := range p.keys {
		token, err = jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
		token = nil
	}

	if token == nil {
		return nil, errors.AuthFailed("jwt", "token validation failed").
			WithCause(err).
			Err()
	}

	claimMap := map[string]interface{}(claims)
	for name, check := range user.Claims {
		if err := verifyClaim(claimMap, name, check); err != nil {
			return nil, err
		}
	}

	return &JwtAuthContext{
		RawToken: rawToken,
		Header:   token.Header,
		Claims:   claimMap,
	}, nil
}

// verifyClaim applies one claim predicate.
func verifyClaim(claims map[string]interface{}, name string, check config.ClaimCheck) error {
	raw, ok := claims[name]
	if !ok {
		return errors.Newf(errors.ErrCodeClaimMissing,
			"token is missing required claim %q", name).Err()
	}

	values := claimValues(raw)

	switch {
	case check.Eq != "":
		if len(values) != 1 || values[0] != check.Eq {
			return claimErr(name)
		}

	case len(check.All) > 0:
		for _, want := range check.All {
			if !contains(values, want) {
				return claimErr(name)
			}
		}

	case len(check.Any) > 0:
		for _, want := range check.Any {
			if contains(values, want) {
				return nil
			}
		}
		return claimErr(name)
	}

	return nil
}

// claimValues flattens a claim into its string values. Scalar claims become
// single-element slices; space-separated scope strings split.
func claimValues(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		if strings.Contains(v, " ") {
			return strings.Fields(v)
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func claimErr(name string) error {
	return errors.Newf(errors.ErrCodeClaimMissing,
		"token claim %q does not satisfy the required check", name).Err()
}
