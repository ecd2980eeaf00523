package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"

	"github.com/tessera-db/tessera/pkg/errors"
)

// md5Password computes the postgres md5 password response:
// "md5" + hex(md5(hex(md5(password + username)) + salt)).
func md5Password(username, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Md5PasswordResponse computes the md5 response for a credential pair.
// Exported for components that authenticate against the engine as a
// postgres frontend.
func Md5PasswordResponse(username, password string, salt [4]byte) string {
	return md5Password(username, password, salt)
}

// passwordProvider validates md5-hashed password exchanges.
type passwordProvider struct{}

// Authenticate compares the client's hash response against the configured
// password.
func (passwordProvider) Authenticate(username, password string, salt [4]byte, received []byte) (*PasswordAuthContext, error) {
	if password == "" {
		return nil, errors.New(errors.ErrCodeAuthFailed,
			"user has no password configured").Err()
	}

	expected := md5Password(username, password, salt)
	if subtle.ConstantTimeCompare([]byte(expected), received) != 1 {
		return nil, errors.AuthFailed("password", "incorrect password").Err()
	}

	return &PasswordAuthContext{}, nil
}
