package util

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/loomworks/loom/backend/pkg/logger"
)

// LoadEnv loads a .env file when one exists; the process environment
// always wins.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using system environment variables")
	}
}

// GetEnv returns the variable's value, or "" when unset.
func GetEnv(key string) string {
	value, _ := os.LookupEnv(key)
	return value
}

// GetEnvString returns the variable's value, or the default when unset.
func GetEnvString(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// GetEnvInt parses the variable as an integer, falling back to the
// default when unset or unparsable.
func GetEnvInt(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool accepts exactly "true" and "false"; anything else falls
// back to the default.
func GetEnvBool(key string, defaultValue bool) bool {
	switch GetEnv(key) {
	case "true":
		return true
	case "false":
		return false
	default:
		return defaultValue
	}
}
