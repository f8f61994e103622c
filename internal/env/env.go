// Package env reads typed settings from the process environment.
package env

import (
	"os"
	"strconv"
	"time"
)

// GetString returns the value of key, or fallback when it is unset.
func GetString(key, fallback string) string {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	return val
}

// GetInt returns key parsed as an int, or fallback when it is unset or
// malformed.
func GetInt(key string, fallback int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	valInt, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return valInt
}

// GetDuration returns key parsed by time.ParseDuration, or fallback.
func GetDuration(key string, fallback time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// GetBool returns key parsed by strconv.ParseBool, or fallback.
func GetBool(key string, fallback bool) bool {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}

	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
