// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package config

import (
	"os"
	"path/filepath"
)

const (
	appName        = "geommo"
	configFileName = "config.yaml"
)

// Dir returns the XDG config directory for geommo.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DefaultPath returns the config file looked up when no --config is given.
func DefaultPath() string {
	return filepath.Join(Dir(), configFileName)
}

// ResolvePath returns explicit when set. Otherwise it returns DefaultPath if
// that file exists, or "" to run on defaults and the environment alone.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	path := DefaultPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
