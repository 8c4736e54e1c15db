// Command hear2help-audio-service runs the Hear2Help sound event service.
//
// Usage:
//
//	hear2help-audio-service [serve] [--config configs/config.yaml]
//	hear2help-audio-service classify [--config configs/config.yaml] <file.wav>
//	hear2help-audio-service version
//
// The serve command accepts WebSocket clients streaming 16-bit PCM audio and
// answers every complete 5 second window with "Detected: <label>".
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "hear2help-audio-service"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Real-time sound event detection over WebSocket",
	Long: `Hear2Help audio service.

Clients stream raw 16-bit little-endian PCM over a WebSocket. Every complete
5 second window is classified by a YAMNet model behind a TensorFlow Serving
compatible endpoint and answered with a "Detected: <label>" text message.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	// Without a subcommand the service is started
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
