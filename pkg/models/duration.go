package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that encodes as a Go duration string ("24h", "90s").
// When decoding JSON, a bare number is read as seconds.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	*d = Duration(parsed)

	return nil
}

// UnmarshalJSON accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64

	err := json.Unmarshal(data, &seconds)
	if err == nil {
		*d = Duration(seconds * float64(time.Second))

		return nil
	}

	var text string

	err = json.Unmarshal(data, &text)
	if err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}

	return d.UnmarshalText([]byte(text))
}
