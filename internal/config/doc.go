// Package config loads the orchestrator configuration from JSON or YAML files,
// applies environment overrides and defaults, and validates the routing table
// before any component is constructed.
package config
