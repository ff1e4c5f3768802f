// Package config provides layered JSON configuration for the streaming
// service. Configuration is built from defaults, zero or more JSON file
// layers merged in order, and environment variable overrides with the
// RULEK_ prefix. Duration fields accept Go duration strings ("30s",
// "50ms") in JSON files.
package config
