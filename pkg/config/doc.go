// Package config loads application configuration from environment variables
// and the front-end app registry from a YAML file.
package config
