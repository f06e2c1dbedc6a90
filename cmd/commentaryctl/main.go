// Command commentaryctl operates the AI commentary engine from a shell: run a
// cycle once in the foreground, flip the feature switch, or inspect settings.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "commentaryctl",
		Short: "Operate the AI commentary engine",
		Long: `commentaryctl runs submit and consume cycles synchronously and manages the
feature switch that the kill-switch turns off when a provider runs out of credit.
Configuration is read from the same environment variables as the server.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
