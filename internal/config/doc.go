// Package config implements configuration management for gapd.
//
// Configuration is layered: the timing baseline from Baseline(), then an optional
// YAML file, then GAPD_* environment overrides. The merged result is checked by
// Validate before any component sees it.
package config
