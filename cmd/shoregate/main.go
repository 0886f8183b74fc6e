// Command shoregate runs the WebSocket relay that connects autonomous boats
// with shore-side operator clients: telemetry fan-out, command delivery with
// acknowledgement tracking, and WebRTC signaling for direct media links.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "shoregate",
	Short: "WebSocket relay for autonomous boats",
	Long: `shoregate relays telemetry, commands, and WebRTC signaling between
autonomous boats in the field and operator clients on shore. Boats and
clients both connect over WebSocket; the relay pairs them, fans out
telemetry, tracks command acknowledgements, and brokers direct
peer-to-peer links.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (TOML)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the shoregate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
