// Package config provides the torctl configuration: defaults, the YAML
// config file and its search path, validation, and conversion to
// manager.Options.
package config
