// Package config loads and validates feedsync configuration from YAML files
// with ${VAR} environment expansion.
package config
