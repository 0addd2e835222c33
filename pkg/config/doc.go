// Package config loads and validates orchestrator configuration from a
// YAML file layered under CORRAL_* environment overrides.
package config
