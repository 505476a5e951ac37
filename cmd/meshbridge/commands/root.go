// Package commands implements the meshbridge CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshbridge",
		Short: "Meshtastic message router: AI, weather and email over the mesh",
		Long: `meshbridge connects a Meshtastic MQTT uplink to backend services.
Mesh users DM the bot /ai, /weather and /email commands; replies are
chunked and paced back over the radio link.

Examples:
  meshbridge serve
  meshbridge serve --config ./config.yaml
  meshbridge setup
  meshbridge console`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConsoleCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
