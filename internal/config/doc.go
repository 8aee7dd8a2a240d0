// Package config loads the bridge configuration: defaults, an optional
// YAML file, then environment variable overrides, in that order.
package config
