// Package config reads service settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// env returns the parsed value of key, or fallback when the variable is unset
// or does not parse.
func env[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("ignoring invalid environment value", "key", key, "error", err)
		return fallback
	}
	return v
}

// GetString returns the variable as is, or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses an integer variable.
func GetInt(key string, fallback int) int {
	return env(key, fallback, strconv.Atoi)
}

// GetBool parses a boolean variable.
func GetBool(key string, fallback bool) bool {
	return env(key, fallback, strconv.ParseBool)
}

// GetDuration parses a duration variable. A bare number is read in unit, so
// AGENT_PING_SECONDS=20 and AGENT_PING_SECONDS=20s mean the same.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	return env(key, fallback, func(raw string) (time.Duration, error) {
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * unit, nil
		}
		return time.ParseDuration(raw)
	})
}
