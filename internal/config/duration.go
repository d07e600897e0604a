package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so it marshals to and from the
// human-readable "30s"/"5m"/"1h" form used throughout kitops
// configuration and state files. The {secs,nanos} shape is rejected
// because a mapping fails to decode as a YAML scalar string; a bare
// integer other than 0 decodes as a string but is rejected by Set, since
// time.ParseDuration requires a unit.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Set parses a human-readable duration string ("30s", "5m", "1h").
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
