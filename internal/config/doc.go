// Package config loads, validates, and normalizes the orchestrator's TOML
// configuration. Defaults live in defaults.go; sample_config.toml is embedded
// for `chorus config init`.
package config
