// Package config defines the fusekv server configuration and the rules
// for assembling it from defaults, an optional YAML file, FUSEKV_*
// environment variables and command-line flags, in increasing precedence.
package config
