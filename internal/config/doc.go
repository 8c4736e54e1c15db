// Package config provides configuration loading and validation for the audio event service.
// It reads a YAML file on top of built-in defaults and validates the server, audio,
// classifier and logging sections before the service starts.
package config
