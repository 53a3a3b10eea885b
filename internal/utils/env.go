package utils

import "os"

// SafeEnv reads key from the environment, returning fallback when the
// variable is unset or empty. All server configuration flows through here.
func SafeEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
