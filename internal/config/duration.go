package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("30m", "1h30m").
// The path argument names the offending field in errors so an operator can
// find it without reading code.

// ParseDurationField parses one duration field. Empty means unset and yields
// zero; callers that need a floor use ParseDurationOrDefault instead.
// Negative durations are rejected: nothing in the check pipeline can wait a
// negative amount of time.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
// Tick intervals, cache TTLs and timeouts all come through here so an empty
// config still produces a runnable service.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
