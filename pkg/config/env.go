package config

import (
	"os"
	"strings"
)

// Environment names
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// GetEnv returns the variable's value or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// GetEnvironment reads OUTFLOW_SERVER_ENVIRONMENT, defaulting to development.
func GetEnvironment() string {
	return strings.ToLower(GetEnv("OUTFLOW_SERVER_ENVIRONMENT", EnvDevelopment))
}

// IsProductionLike is true for staging and production.
func IsProductionLike() bool {
	switch GetEnvironment() {
	case EnvStaging, EnvProduction:
		return true
	}
	return false
}
