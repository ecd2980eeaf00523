package auth

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/tessera-db/tessera/pkg/errors"
)

// ServiceUserCredentials is a resolved (username, password) pair for an
// internal session.
type ServiceUserCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ServiceUserCredentials resolves credentials for the service user id:
// either the constant configured pair, or the JSON output of a configured
// shell command.
func (a *Authenticator) ServiceUserCredentials(serviceUserID string) (ServiceUserCredentials, error) {
	a.mu.RLock()
	conf, ok := a.cfg.ServiceUser(serviceUserID)
	a.mu.RUnlock()

	if !ok {
		return ServiceUserCredentials{}, errors.Newf(errors.ErrCodeServiceUser,
			"no service user with id %q", serviceUserID).Err()
	}

	if conf.Shell == "" {
		return ServiceUserCredentials{
			Username: conf.Username,
			Password: conf.Password,
		}, nil
	}

	cmd := exec.Command("/bin/sh", "-c", conf.Shell)
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return ServiceUserCredentials{}, errors.Wrapf(err, errors.ErrCodeServiceUser,
			"service user process failed: %s", stdout.String()).Err()
	}

	var creds ServiceUserCredentials
	if err := json.Unmarshal(stdout.Bytes(), &creds); err != nil {
		return ServiceUserCredentials{}, errors.Wrap(err, errors.ErrCodeServiceUser,
			"failed to parse output from service user program as JSON").Err()
	}

	if creds.Password == "" {
		return ServiceUserCredentials{}, errors.New(errors.ErrCodeServiceUser,
			"service user program returned no password").Err()
	}

	// The configured username stands in when the program omits one.
	if creds.Username == "" {
		creds.Username = conf.Username
	}

	return creds, nil
}
