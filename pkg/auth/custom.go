package auth

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/errors"
)

// customProvider delegates authentication to a configured shell command.
// The command receives a JSON object on stdin and must print a JSON result
// on stdout; stderr is inherited for operator visibility.
type customProvider struct {
	shell string
}

type customAuthInput struct {
	Username   string      `json:"username"`
	Password   string      `json:"password"`
	UserConfig interface{} `json:"user_config"`
}

type customAuthResult struct {
	Result  string          `json:"result"`
	Context json.RawMessage `json:"context,omitempty"`
	Message string          `json:"message,omitempty"`
}

func newCustomProvider(conf *config.CustomProviderConfig) (*customProvider, error) {
	if conf == nil || conf.Shell == "" {
		return nil, errors.New(errors.ErrCodeConfigMissing,
			"custom provider requires a shell command").Err()
	}
	return &customProvider{shell: conf.Shell}, nil
}

// Authenticate runs the shell, feeding it the credentials and user config.
// The subprocess is reaped synchronously with its output; a non-zero exit
// or unparseable output fails the authentication.
func (p *customProvider) Authenticate(user config.UserConfig, username, password string) (*CustomAuthContext, error) {
	input, err := json.Marshal(customAuthInput{
		Username:   username,
		Password:   password,
		UserConfig: userConfigJSON(user),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal,
			"failed to serialise custom auth input").Err()
	}

	cmd := exec.Command("/bin/sh", "-c", p.shell)
	cmd.Stdin = bytes.NewReader(input)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// Stderr inherits so operator diagnostics surface in the gateway log
	// stream.
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeAuthSubprocess,
			"custom auth process failed: %s", stdout.String()).Err()
	}

	var result customAuthResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAuthSubprocess,
			"failed to parse output from custom auth program as JSON").Err()
	}

	switch result.Result {
	case "success":
		ctx := &CustomAuthContext{Data: result.Context}
		if ctx.Data == nil {
			ctx.Data = json.RawMessage("null")
		}
		return ctx, nil
	case "failure":
		msg := result.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, errors.AuthFailed("custom", msg).Err()
	default:
		return nil, errors.Newf(errors.ErrCodeAuthSubprocess,
			"custom auth program returned unknown result %q", result.Result).Err()
	}
}

// userConfigJSON converts the user's YAML custom config into JSON-friendly
// values.
func userConfigJSON(user config.UserConfig) interface{} {
	if user.Custom == nil {
		return nil
	}
	return normalise(user.Custom)
}

// normalise converts yaml.v2's map[interface{}]interface{} trees into
// map[string]interface{} so they serialise as JSON objects.
func normalise(v interface{}) interface{} {
	switch m := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[toString(k)] = normalise(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = normalise(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(m))
		for i, val := range m {
			out[i] = normalise(val)
		}
		return out
	default:
		return v
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
