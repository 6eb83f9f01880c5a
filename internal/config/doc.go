// Package config provides configuration loading and validation for the voice
// session service. It handles YAML-based configuration with struct validation
// and sensible defaults for every tunable.
package config
