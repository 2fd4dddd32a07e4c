// Package config loads daemon configuration from GANTRY_* environment
// variables with sensible defaults and validates it before startup.
package config
