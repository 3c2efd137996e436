package config

import "errors"

var (
	// ErrConfigNotFound indicates the YAML configuration file was not
	// found at the given path.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrInvalidValue indicates a configuration key holds a value that
	// cannot be parsed or is out of range.
	ErrInvalidValue = errors.New("invalid configuration value")
)
