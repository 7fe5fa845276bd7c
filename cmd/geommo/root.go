// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GeoMMO Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/geommo/geommo/internal/config"
)

// configFile is the --config path shared by every subcommand.
var configFile string

// NewRootCmd creates the root command for the GeoMMO CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geommo",
		Short: "GeoMMO - account and token service",
		Long: `GeoMMO serves player registration, login and bearer-token
authentication for the game API.

Configuration is read from defaults, an optional YAML file (--config,
or $XDG_CONFIG_HOME/geommo/config.yaml when present),
GEOMMO_* environment variables and flags, in that order.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashPasswordCmd())

	return cmd
}

// loadConfig reads configuration with cmd's flags as the highest-precedence layer.
// Without --config, $XDG_CONFIG_HOME/geommo/config.yaml is used when present.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.ResolvePath(configFile), cmd.Flags())
}
