// Package auth identifies users at the wire edge and produces the auth
// context propagated to the embedded engine and to per-source
// authorization decisions.
package auth

import (
	"encoding/json"
)

// AuthContext is the structured identity produced by authentication. It is
// serialisable so the postgres handler can inject it as a session variable.
type AuthContext struct {
	Username string `json:"username"`
	Provider string `json:"provider"`

	// Exactly one provider context is set.
	Password *PasswordAuthContext `json:"password,omitempty"`
	Jwt      *JwtAuthContext      `json:"jwt,omitempty"`
	Custom   *CustomAuthContext   `json:"custom,omitempty"`
}

// PasswordAuthContext carries no claims; the variant records the mechanism.
type PasswordAuthContext struct{}

// JwtAuthContext carries the validated token and its decoded parts.
type JwtAuthContext struct {
	// RawToken is the exact token presented by the client, usable for
	// downstream delegation.
	RawToken string `json:"raw_token"`

	// Header is the decoded JOSE header.
	Header map[string]interface{} `json:"header"`

	// Claims is the decoded payload claim map.
	Claims map[string]interface{} `json:"claims"`
}

// CustomAuthContext carries the JSON context returned by the custom auth
// subprocess.
type CustomAuthContext struct {
	Data json.RawMessage `json:"data"`
}

// JSON serialises the context for session propagation.
func (c AuthContext) JSON() ([]byte, error) {
	return json.Marshal(c)
}
