package osx

import "os"

// GetEnv returns the value of the environment variable key, or defaultValue when it is unset or empty.
func GetEnv(key string, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
