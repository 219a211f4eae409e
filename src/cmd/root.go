// Package cmd implements the circulator's command-line entry points.
package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "circulator",
	Short: "Event-bridge circulator: a two-stage transform/push pipeline core",
	Long: `circulator runs a set of named runners, each moving records from an
inbound source through a transform chain and into a sink, pacing itself
with a TCP-Reno-inspired congestion window per stage.`,
}

// Execute adds all child commands to the root command and runs it. Called
// once by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./circulator.yaml)")
}
