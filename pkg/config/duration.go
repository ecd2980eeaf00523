package config

import (
	"time"

	"github.com/tessera-db/tessera/pkg/errors"
)

// Duration is a time.Duration that unmarshals from "30s"-style YAML
// strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, errors.ErrCodeConfigParse,
				"invalid duration %q", s).Err()
		}
		*d = Duration(parsed)
		return nil
	}

	// Fall back to a bare number of seconds.
	var n int64
	if err := unmarshal(&n); err != nil {
		return errors.New(errors.ErrCodeConfigParse,
			"duration must be a string like \"30s\" or a number of seconds").Err()
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
